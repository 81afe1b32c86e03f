package arc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowListIsOrderIndependent(t *testing.T) {
	al := NewAllowList(map[string][]string{
		"backup": {"alice", "bob"},
		"reboot": {"root"},
	})

	require.True(t, al.Allow("alice", "backup"))
	require.True(t, al.Allow("bob", "backup"))
	require.False(t, al.Allow("carol", "backup"))
	require.False(t, al.Allow("alice", "reboot"))
	require.Equal(t, []string{"alice", "bob"}, al.Users("backup"))
}

func TestAllowListUnknownCommandDenies(t *testing.T) {
	al := NewAllowList(map[string][]string{"backup": {"alice"}})
	require.False(t, al.Allow("alice", "shutdown"))
}

func TestNilAllowListDeniesEverything(t *testing.T) {
	var al *AllowList
	require.False(t, al.Allow("alice", "backup"))
}

func TestCommandTableLookup(t *testing.T) {
	tbl := CommandTable{
		"backup": {Name: "backup", Path: "/usr/local/bin/backup", Argv: []string{"--quiet"}},
	}
	spec, ok := tbl.Lookup("backup")
	require.True(t, ok)
	require.Equal(t, "/usr/local/bin/backup", spec.Path)

	_, ok = tbl.Lookup("missing")
	require.False(t, ok)
}
