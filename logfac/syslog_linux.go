//go:build linux || freebsd || darwin

package logfac

import (
	sl "log/syslog"
)

type syslogWriter struct {
	w *sl.Writer
}

func newSysWriter(tag string) (sysWriter, error) {
	w, err := sl.New(sl.LOG_DAEMON|sl.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return &syslogWriter{w: w}, nil
}

func (s *syslogWriter) writeFacility(f Facility, line string) error {
	if f == ERR {
		return s.w.Err(line)
	}
	if f == AUTH {
		return s.w.Notice(line)
	}
	if f == DEBUG {
		return s.w.Debug(line)
	}
	return s.w.Info(line)
}

func (s *syslogWriter) Close() error {
	return s.w.Close()
}
