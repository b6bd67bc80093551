package engine

import "fmt"

// ConfigError is a startup-fatal configuration problem: dead source
// references, unknown actors or transforms, bad connector config.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "config: " + e.Reason + ": " + e.Err.Error()
	}
	return "config: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// CorruptionError means the event bus found damage it cannot recover from;
// the engine refuses to start.
type CorruptionError struct {
	Err error
}

func (e *CorruptionError) Error() string { return "event bus corrupt: " + e.Err.Error() }
func (e *CorruptionError) Unwrap() error { return e.Err }
