package engine

import "errors"

var (
	// ErrInvalidConfig is returned when engine construction gets a bad config.
	ErrInvalidConfig = errors.New("invalid engine config")
	// ErrDuplicatePlugin is returned when two plugins share a name.
	ErrDuplicatePlugin = errors.New("duplicate plugin name")
	// ErrInvalidPlugin is returned for plugins with no name or malformed steps.
	ErrInvalidPlugin = errors.New("invalid plugin")
	// ErrUnknownPlugin is returned by introspection calls for unknown plugins.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrUnknownStep is returned by introspection calls for unknown steps.
	ErrUnknownStep = errors.New("unknown step")
)
