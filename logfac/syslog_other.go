//go:build windows

// log/syslog has no Windows implementation; fall back to stderr so
// DestSyslog degrades gracefully instead of failing to start.
package logfac

import (
	"fmt"
	"os"
)

type syslogWriter struct {
	tag string
}

func newSysWriter(tag string) (sysWriter, error) {
	return &syslogWriter{tag: tag}, nil
}

func (s *syslogWriter) writeFacility(f Facility, line string) error {
	_, err := fmt.Fprintf(os.Stderr, "%s: %s\n", s.tag, line)
	return err
}

func (s *syslogWriter) Close() error {
	return nil
}
