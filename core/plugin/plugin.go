package plugin

import (
	"context"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/session"
)

// Engine is the slice of the engine facade visible to steps. It lets steps
// mint and verify sessions and dispatch into other plugins (guest conversion)
// without importing the engine package.
type Engine interface {
	// ExecuteStep runs a step of any registered plugin through the full
	// validation pipeline.
	ExecuteStep(ctx context.Context, pluginName, stepName string, input Input) (*Result, error)
	// CheckSession verifies a bearer token.
	CheckSession(ctx context.Context, token string) (session.Check, error)
	// CreateSessionFor mints a session token for a subject of the given kind.
	CreateSessionFor(ctx context.Context, kind, subjectID string, ttl time.Duration) (string, error)
	// DestroySession revokes a bearer token.
	DestroySession(ctx context.Context, token string) error
	// ORM exposes the data-access port.
	ORM() orm.ORM
	// RegisterSessionResolver binds a subject kind to its resolver.
	// Called from plugin Init; the registry is read-only afterwards.
	RegisterSessionResolver(kind string, r session.Resolver) error
	// RegisterCleanupTask schedules a background maintenance task.
	RegisterCleanupTask(task cleanup.Task) error
	// Environment returns the runtime environment ("production", "development", "test").
	Environment() string
}

// Well-known subject kinds shared across plugins. Kinds discriminate session
// resolvers; plugins may introduce their own beyond these.
const (
	KindSubject = "subject"
	KindGuest   = "guest"
)

// Environments reported by Engine.Environment. Anything other than production
// enables output-schema validation and development fixtures.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Context carries the per-invocation dependencies into a step run.
type Context struct {
	context.Context
	Engine Engine
	ORM    orm.ORM
}

// Input is the raw step payload extracted by a transport adapter.
type Input map[string]any

// String returns the input value under key as a string, or "".
func (in Input) String(key string) string {
	s, _ := in[key].(string)
	return s
}

// Bool returns the input value under key as a bool.
func (in Input) Bool(key string) bool {
	b, _ := in[key].(bool)
	return b
}

// Map returns the input value under key as a nested payload.
func (in Input) Map(key string) map[string]any {
	m, _ := in[key].(map[string]any)
	return m
}

// RunFunc is a step body. Expected failures are expressed through the Result;
// returned errors are infrastructure faults that the engine masks as internal.
type RunFunc func(ctx *Context, input Input) (*Result, error)

// HTTPAdvice is the advisory transport mapping a step declares. The core
// never executes HTTP; adapters use it to pick methods and status codes.
type HTTPAdvice struct {
	Method string
	// Codes maps Result.Status values to HTTP status integers.
	Codes map[string]int
}

// Step is a single invocable operation of a plugin.
type Step struct {
	Name string
	// Inputs lists the recognized input keys for transport extraction.
	Inputs []string
	// Validate is run against the input before the step body.
	Validate *schema.Schema
	// Outputs is checked against the result bag in non-production builds.
	Outputs *schema.Schema
	HTTP    HTTPAdvice
	Run     RunFunc
}

// Hooks are plugin-level wrappers around every step of the plugin.
type Hooks struct {
	// Before runs ahead of input validation; an error aborts the step.
	Before func(ctx *Context, step string, input Input) error
	// After runs on the validated output of a successful pipeline.
	After func(ctx *Context, step string, result *Result) error
}

// Plugin bundles the steps of one authentication method. Implementations
// validate their configuration at construction and register session
// resolvers plus cleanup tasks during Init.
type Plugin interface {
	// Name returns the unique plugin identifier, e.g. "email-password".
	Name() string
	// Steps returns the plugin's step definitions.
	Steps() []Step
	// Init wires the plugin into the engine: session resolvers, cleanup tasks.
	Init(ctx context.Context, engine Engine) error
}

// HookProvider is implemented by plugins with root hooks.
type HookProvider interface {
	Hooks() Hooks
}

// ProfileProvider is implemented by plugins that expose subject profiles.
type ProfileProvider interface {
	Profile(ctx *Context, subjectID string) (map[string]any, error)
}
