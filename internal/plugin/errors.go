package plugin

import (
	"errors"

	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/worker"
)

// Error codes.
const (
	CodeNotFound     = "PLUGIN_NOT_FOUND"
	CodeInvalidState = "INVALID_STATE"
	CodeCapacity     = worker.CodeCapacity
)

// Sentinel errors for errors.Is checks.
var (
	// ErrNotFound is returned for ids not in the registry.
	ErrNotFound = errors.New("plugin not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// plugin's current status.
	ErrInvalidState = errors.New("invalid plugin state")
	// ErrCapacity is returned when no host became free within AcquireTimeout.
	ErrCapacity = worker.ErrCapacity
	// ErrPluginLimit is returned when MaxPlugins plugins are registered.
	ErrPluginLimit = errors.New("plugin registry is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("plugin manager is closed")
)

func notFoundError(id string) error {
	return oops.Code(CodeNotFound).In("plugin").With("plugin", id).Wrap(ErrNotFound)
}

func invalidStateError(id, op string, status Status) error {
	return oops.Code(CodeInvalidState).In("plugin").
		With("plugin", id).With("operation", op).With("status", status).
		Wrapf(ErrInvalidState, "cannot %s plugin in state %s", op, status)
}

func capacityError(limit int) error {
	return oops.Code(CodeCapacity).In("plugin").
		With("max_plugins", limit).
		Hint("unload a plugin or raise runtime.max_plugins").
		Wrapf(ErrPluginLimit, "plugin limit of %d reached", limit)
}
