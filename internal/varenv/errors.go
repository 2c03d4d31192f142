package varenv

import "fmt"

// PathError reports a failed path walk or traversal step.
type PathError struct {
	Var     string // full name of the variable involved, if any
	Message string
	Cause   error
}

func (e *PathError) Error() string {
	if e.Var == "" {
		return fmt.Sprintf("path error: %s", e.Message)
	}
	return fmt.Sprintf("path error in %s: %s", e.Var, e.Message)
}

func (e *PathError) Unwrap() error { return e.Cause }

// pathErrf builds a PathError with formatted context.
func pathErrf(v *Var, format string, args ...interface{}) *PathError {
	name := ""
	if v != nil {
		name = v.FullName
	}
	return &PathError{Var: name, Message: fmt.Sprintf(format, args...)}
}

// NotWriteableError reports an attempt to set a non-writeable variable.
type NotWriteableError struct {
	Var string
}

func (e *NotWriteableError) Error() string {
	return fmt.Sprintf("variable %s is not writeable", e.Var)
}

// NotReadableError reports an attempt to read a non-readable variable.
type NotReadableError struct {
	Var string
}

func (e *NotReadableError) Error() string {
	return fmt.Sprintf("variable %s is not readable", e.Var)
}

// RefreshError wraps an error raised while refreshing a variable. It is
// recorded into the environment's error table unless the caller asked for
// errors to propagate.
type RefreshError struct {
	Var   string
	Cause error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh of %s failed: %v", e.Var, e.Cause)
}

func (e *RefreshError) Unwrap() error { return e.Cause }

// ProgramError wraps a panic or error raised by a callable path element.
type ProgramError struct {
	Var   string
	Cause error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("callable in %s failed: %v", e.Var, e.Cause)
}

func (e *ProgramError) Unwrap() error { return e.Cause }
