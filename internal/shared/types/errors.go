package types

import "fmt"

// ConfigurationError reports a malformed identity entry, feed line or config
// value. The affected entry is skipped; the process keeps going.
type ConfigurationError struct {
	Source string // file, feed url or config key
	Line   int    // 0 when not line-oriented
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := e.Source
	if e.Line > 0 {
		msg = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
