package runtime

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Error codes.
const (
	CodeScript       = "SCRIPT_ERROR"
	CodeNotFound     = "EXPORT_NOT_FOUND"
	CodeInterrupted  = "SCRIPT_INTERRUPTED"
	CodeUnsupported  = "ENGINE_UNSUPPORTED"
	CodeDisposed     = "MODULE_DISPOSED"
	CodeNotSettled   = "PROMISE_PENDING"
	CodeBadArguments = "BAD_ARGUMENTS"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNotFound    = errors.New("export not found")
	ErrInterrupted = errors.New("script interrupted")
	ErrDisposed    = errors.New("module disposed")
)

// ScriptError is an exception raised by plugin code.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string { return e.Message }

// NotFoundError reports a command or component the module does not export.
func NotFoundError(plugin, name string) error {
	return oops.Code(CodeNotFound).In("runtime").
		With("plugin", plugin).With("export", name).
		Wrap(fmt.Errorf("%w: %s", ErrNotFound, name))
}

// InterruptedError reports a script stopped by context cancellation.
func InterruptedError(plugin string, cause error) error {
	return oops.Code(CodeInterrupted).In("runtime").
		With("plugin", plugin).
		Wrap(fmt.Errorf("%w: %w", ErrInterrupted, cause))
}

// DisposedError reports use of a disposed module.
func DisposedError(plugin string) error {
	return oops.Code(CodeDisposed).In("runtime").With("plugin", plugin).Wrap(ErrDisposed)
}

// UnsupportedError reports a language without a registered engine.
func UnsupportedError(lang Lang) error {
	return oops.Code(CodeUnsupported).In("runtime").With("lang", lang).Errorf("no engine for %s", lang)
}
