// Package config loads the ARC server's INI configuration file (spec.md
// §6) using github.com/go-ini/ini, the way the teacher's flag-driven CLIs
// load their own small option sets at startup, generalized to a real file
// format since arcd is a long-running daemon rather than a one-shot tool.
package config

import (
	"fmt"
	"strings"

	"github.com/go-ini/ini"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/logfac"
)

// Main holds [main] section values.
type Main struct {
	Service      string // SASL service name
	Timeout      int    // seconds
	SystemAuth   bool   // verify PLAIN credentials against /etc/shadow (or master.passwd)
	PasswdFile   string // verify PLAIN credentials against this username:salt:bcrypt file instead
}

// Logging holds [logging] section values.
type Logging struct {
	Level       logfac.Facility
	Destination logfac.Destination
}

// Arcd holds [arcd] section values.
type Arcd struct {
	Host            string
	Ports           []string
	PIDFile         string
	MaxRequests     int
	MinServers      int
	MaxServers      int
	MinSpareServers int
	MaxSpareServers int
	SASLMechanisms  []string
}

// Config is the fully parsed server configuration.
type Config struct {
	Main     Main
	Logging  Logging
	Arcd     Arcd
	Commands arc.CommandTable
	ACL      map[string][]string // [acl] section: command name -> allowed usernames
}

// Policy builds the arc.Policy described by the [acl] section (spec.md
// §4.H / Open Question (a): per-command allowlist of usernames).
func (c *Config) Policy() arc.Policy {
	return arc.NewAllowList(c.ACL)
}

// Load parses the INI file at path into a Config, applying the defaults
// spec.md §6 implies for any field an operator's file omits.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, arc.NewError(arc.KindConfig, fmt.Sprintf("reading %s", path), err)
	}

	cfg := &Config{
		Main: Main{Service: "arc", Timeout: 30},
		Logging: Logging{
			Level:       logfac.AUTH | logfac.USER | logfac.ERR | logfac.CMD,
			Destination: logfac.DestStderr,
		},
		Arcd: Arcd{
			Host:            "0.0.0.0",
			Ports:           []string{arc.DefaultPort},
			MaxRequests:     0,
			MinServers:      1,
			MaxServers:      10,
			MinSpareServers: 1,
			MaxSpareServers: 3,
			SASLMechanisms:  []string{"PLAIN", "ANONYMOUS"},
		},
		Commands: arc.CommandTable{},
		ACL:      map[string][]string{},
	}

	if s := f.Section("main"); s != nil {
		if v := s.Key("service").String(); v != "" {
			cfg.Main.Service = v
		}
		if n, err := s.Key("timeout").Int(); err == nil && n > 0 {
			cfg.Main.Timeout = n
		}
		if b, err := s.Key("system_auth").Bool(); err == nil {
			cfg.Main.SystemAuth = b
		}
		if v := s.Key("passwd_file").String(); v != "" {
			cfg.Main.PasswdFile = v
		}
	}

	if s := f.Section("logging"); s != nil {
		if n, err := s.Key("level").Int(); err == nil {
			cfg.Logging.Level = logfac.Facility(n)
		}
		switch strings.ToLower(s.Key("destination").String()) {
		case "syslog":
			cfg.Logging.Destination = logfac.DestSyslog
		case "stderr", "":
			cfg.Logging.Destination = logfac.DestStderr
		default:
			return nil, arc.NewError(arc.KindConfig, fmt.Sprintf("unknown logging destination %q", s.Key("destination").String()), nil)
		}
	}

	if s := f.Section("arcd"); s != nil {
		if v := s.Key("host").String(); v != "" {
			cfg.Arcd.Host = v
		}
		if v := s.Key("port").String(); v != "" {
			cfg.Arcd.Ports = splitCSV(v)
		}
		if v := s.Key("pid_file").String(); v != "" {
			cfg.Arcd.PIDFile = v
		}
		if n, err := s.Key("max_requests").Int(); err == nil {
			cfg.Arcd.MaxRequests = n
		}
		if n, err := s.Key("min_servers").Int(); err == nil && n > 0 {
			cfg.Arcd.MinServers = n
		}
		if n, err := s.Key("max_servers").Int(); err == nil && n > 0 {
			cfg.Arcd.MaxServers = n
		}
		if n, err := s.Key("min_spare_servers").Int(); err == nil && n > 0 {
			cfg.Arcd.MinSpareServers = n
		}
		if n, err := s.Key("max_spare_servers").Int(); err == nil && n > 0 {
			cfg.Arcd.MaxSpareServers = n
		}
		if v := s.Key("sasl_mechanisms").String(); v != "" {
			cfg.Arcd.SASLMechanisms = splitCSV(v)
		}
	}

	if s := f.Section("commands"); s != nil {
		for _, key := range s.Keys() {
			fields := strings.Fields(key.String())
			if len(fields) == 0 {
				return nil, arc.NewError(arc.KindConfig, fmt.Sprintf("command %q has an empty argv template", key.Name()), nil)
			}
			cfg.Commands[key.Name()] = arc.CommandSpec{
				Name: key.Name(),
				Path: fields[0],
				Argv: fields[1:],
			}
		}
	}

	if s := f.Section("acl"); s != nil {
		for _, key := range s.Keys() {
			cfg.ACL[key.Name()] = splitCSV(key.String())
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the cross-field invariants spec.md §6 implies:
// min_servers <= max_servers, min_spare_servers <= max_spare_servers, and
// at least one listen port.
func (c *Config) Validate() error {
	if len(c.Arcd.Ports) == 0 {
		return arc.NewError(arc.KindConfig, "arcd: no listen ports configured", nil)
	}
	if c.Arcd.MinServers > c.Arcd.MaxServers {
		return arc.NewError(arc.KindConfig, "arcd: min_servers > max_servers", nil)
	}
	if c.Arcd.MinSpareServers > c.Arcd.MaxSpareServers {
		return arc.NewError(arc.KindConfig, "arcd: min_spare_servers > max_spare_servers", nil)
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
