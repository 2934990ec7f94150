package session

import "errors"

var (
	// ErrUnknownKind is returned when no resolver is registered for a subject kind.
	ErrUnknownKind = errors.New("unknown subject kind")
	// ErrResolverExists is returned on a second resolver registration for a kind.
	ErrResolverExists = errors.New("resolver already registered for kind")
	// ErrInvalidResolver is returned when registering an empty kind or nil resolver.
	ErrInvalidResolver = errors.New("invalid resolver registration")
	// ErrCreateSession is returned when persisting a session binding fails.
	ErrCreateSession = errors.New("failed to create session")
)
