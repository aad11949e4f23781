package rule

import "fmt"

// ConfigError is the common interface of all loader errors. The HTTP layer
// maps anything satisfying it to a 400 response of kind "config".
type ConfigError interface {
	error
	configError()
}

// ParseError reports malformed YAML.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string { return formatLoadError(e.File, e.Line, e.Err) }

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) configError() {}

// ValidationError reports a rule set that parsed but violates the schema or
// its semantic constraints.
type ValidationError struct {
	File string
	Line int
	Err  error
}

func (e *ValidationError) Error() string { return formatLoadError(e.File, e.Line, e.Err) }

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) configError() {}

// PatternError reports a regex that is too long or fails to compile.
type PatternError struct {
	File string
	Line int
	Err  error
}

func (e *PatternError) Error() string { return formatLoadError(e.File, e.Line, e.Err) }

// Unwrap returns the underlying cause.
func (e *PatternError) Unwrap() error { return e.Err }

func (e *PatternError) configError() {}

// IncludeError reports a failed `!include` directive.
type IncludeError struct {
	File string
	Line int
	Err  error
}

func (e *IncludeError) Error() string { return formatLoadError(e.File, e.Line, e.Err) }

// Unwrap returns the underlying cause.
func (e *IncludeError) Unwrap() error { return e.Err }

func (e *IncludeError) configError() {}

func formatLoadError(file string, line int, err error) string {
	switch {
	case file != "" && line > 0:
		return fmt.Sprintf("%s:%d: %v", file, line, err)
	case file != "":
		return fmt.Sprintf("%s: %v", file, err)
	default:
		return err.Error()
	}
}
