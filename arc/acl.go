package arc

import "sort"

// CommandSpec is one entry of the server's command table: a name the
// client may request, bound to an executable and an argv template (§4.H,
// "a map from command name to executable path + argv template").
type CommandSpec struct {
	Name string
	Path string
	Argv []string
}

// CommandTable maps command names to their CommandSpec, as populated from
// the config file's [commands] section.
type CommandTable map[string]CommandSpec

// Lookup returns the CommandSpec registered for name, if any.
func (t CommandTable) Lookup(name string) (CommandSpec, bool) {
	spec, ok := t[name]
	return spec, ok
}

// Policy decides whether an authenticated identity may invoke a given
// command name. The simplest implementation (AllowList, below) is a
// deterministic, order-independent per-command allowlist of usernames, per
// spec.md §4.H and Open Question (a); richer policy (groups, patterns) can
// implement the same interface.
type Policy interface {
	Allow(user, cmdName string) bool
}

// AllowList is a Policy backed by a static map of command name to the set
// of usernames permitted to run it. Evaluation only ever consults the set
// for cmdName, so result is independent of the order entries were added
// (§8 testable property is implied by Go's map semantics here: membership,
// not iteration order, decides the answer).
type AllowList struct {
	allowed map[string]map[string]struct{}
}

// NewAllowList builds an AllowList from a command name -> usernames map.
func NewAllowList(table map[string][]string) *AllowList {
	al := &AllowList{allowed: make(map[string]map[string]struct{}, len(table))}
	for cmd, users := range table {
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		al.allowed[cmd] = set
	}
	return al
}

// Allow reports whether user may invoke cmdName.
func (al *AllowList) Allow(user, cmdName string) bool {
	if al == nil {
		return false
	}
	set, ok := al.allowed[cmdName]
	if !ok {
		return false
	}
	_, ok = set[user]
	return ok
}

// Users returns the sorted list of usernames permitted to run cmdName,
// for diagnostics/logging.
func (al *AllowList) Users(cmdName string) []string {
	set := al.allowed[cmdName]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
