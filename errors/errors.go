package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseLoad    Phase = "load"    // binary/source loading
	PhaseCompile Phase = "compile" // guest source compilation
	PhaseConvert Phase = "convert" // value conversion host<->guest
	PhaseCall    Phase = "call"    // driving guest execution
	PhaseSetup   Phase = "setup"   // root context installation
	PhaseClose   Phase = "close"   // teardown
)

// Kind categorizes the error
type Kind string

const (
	KindCompile          Kind = "compile_error"
	KindRuntime          Kind = "runtime_error"
	KindUnsupportedType  Kind = "unsupported_type"
	KindMissingMetatable Kind = "missing_metatable"
	KindUseAfterClose    Kind = "use_after_close"
	KindAllocation       Kind = "allocation"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
	KindNotCallable      Kind = "not_callable"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	GoType string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" {
		b.WriteString(": Go type ")
		b.WriteString(e.GoType)
	}

	if e.Detail != "" {
		if e.GoType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two bridge errors match when Phase and Kind agree; a zero field in the
// target acts as a wildcard so sentinels like ErrClosed match with errors.Is
// regardless of the phase that produced them.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && e.Phase != t.Phase {
		return false
	}
	return t.Kind == "" || e.Kind == t.Kind
}

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrClosed           = &Error{Kind: KindUseAfterClose}
	ErrUnsupportedType  = &Error{Kind: KindUnsupportedType}
	ErrMissingMetatable = &Error{Kind: KindMissingMetatable}
	ErrCompile          = &Error{Kind: KindCompile}
	ErrRuntime          = &Error{Kind: KindRuntime}
	ErrAllocation       = &Error{Kind: KindAllocation}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the conversion path (table keys walked to reach the value)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message verbatim. Guest-produced
// messages go through here so their contents are never treated as a format
// string.
func (b *Builder) Detail(msg string) *Builder {
	b.err.Detail = msg
	return b
}

// Detailf formats and sets the detail message.
func (b *Builder) Detailf(format string, args ...any) *Builder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Compile creates a compile error carrying the VM's diagnostic string.
func Compile(diagnostic string) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompile,
		Detail: diagnostic,
	}
}

// Runtime creates a runtime error from a non-Ok/non-Yield resume status.
// message is the error string popped from the top of the guest stack.
func Runtime(message string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindRuntime,
		Detail: message,
	}
}

// Unsupported creates an unsupported-type error for a host value with no
// guest representation (or the reverse).
func Unsupported(phase Phase, goType string, path []string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupportedType,
		GoType: goType,
		Path:   path,
		Detail: "no representation across the bridge",
	}
}

// MissingMetatable reports an expected built-in metatable that was never
// installed. This is a setup bug, not a user error.
func MissingMetatable(name string) *Error {
	return &Error{
		Phase:  PhaseSetup,
		Kind:   KindMissingMetatable,
		Detail: fmt.Sprintf("metatable %q not installed", name),
	}
}

// Closed creates a use-after-close error.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUseAfterClose,
		Detail: fmt.Sprintf("%s used after close", what),
	}
}

// Allocation reports a memory-ceiling rejection.
func Allocation(requested, used, max uint64) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("allocation of %d bytes rejected (%d of %d in use)", requested, used, max),
	}
}

// NotFound creates a not-found error.
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotCallable reports a global that was looked up for a call but is not a
// function value.
func NotCallable(name, typeName string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindNotCallable,
		Detail: fmt.Sprintf("global %q is not callable (got %s)", name, typeName),
	}
}

// InvalidInput creates an invalid input error.
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
