// Package logging configures the process-wide go-logging backend.
package logging

import (
	"fmt"
	"io"
	"os"

	logging "github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`[%{time:2006-01-02 15:04:05.000}] %{level:7s} %{module}: %{message}`,
)

// Configure installs a formatted backend at the given level. If filename is
// empty, logging goes to os.Stderr. The returned file, if any, must be
// closed by the caller.
func Configure(level, filename string) (*os.File, error) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out io.Writer = os.Stderr
	var lf *os.File
	if filename != "" {
		lf, err = os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		out = lf
	}

	ConfigureWriter(out, lvl)
	return lf, nil
}

// ConfigureWriter installs a formatted backend writing to w
func ConfigureWriter(w io.Writer, level logging.Level) {
	backend := logging.NewLogBackend(w, "", 0)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

// LevelFor maps the CLI verbosity flags to a level
func LevelFor(verbose, quiet bool, configured string) string {
	switch {
	case quiet:
		return "ERROR"
	case verbose:
		return "DEBUG"
	case configured == "":
		return "INFO"
	default:
		return configured
	}
}
