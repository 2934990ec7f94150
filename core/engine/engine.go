package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/session"
	"github.com/dmitrymomot/authkit/core/token"
)

// Engine is the protocol-agnostic core every transport adapter consumes.
// It owns the plugin registry, the session service, the cleanup scheduler,
// and the step-execution pipeline. Safe for concurrent use; all registries
// are frozen after construction and plugin initialization.
type Engine struct {
	cfg      Config
	store    orm.ORM
	sessions *session.Service
	keyring  *token.Keyring
	sched    *cleanup.Scheduler
	logger   *slog.Logger

	plugins map[string]plugin.Plugin
	steps   map[string]map[string]plugin.Step
	hooks   map[string]plugin.Hooks
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger shared by the engine and its scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs the engine: validates config, wires the session service and
// cleanup scheduler, registers every plugin's steps, and runs plugin Init so
// resolvers and cleanup tasks are in place before the first request.
func New(ctx context.Context, store orm.ORM, cfg Config, plugins []plugin.Plugin, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		plugins: make(map[string]plugin.Plugin),
		steps:   make(map[string]map[string]plugin.Step),
		hooks:   make(map[string]plugin.Hooks),
	}
	for _, opt := range opts {
		opt(e)
	}

	sessionOpts := []session.Option{
		session.WithTTL(cfg.SessionTTL),
		session.WithRefreshWindow(cfg.RefreshWindow),
		session.WithLogger(e.logger),
	}
	if cfg.UseJWT {
		e.keyring = token.NewKeyring(store,
			token.WithRotationInterval(cfg.KeyRotationInterval),
			token.WithGracePeriod(cfg.KeyGracePeriod),
		)
		codec := token.NewJWTCodec(e.keyring, cfg.Issuer, cfg.Audience)
		sessionOpts = append(sessionOpts, session.WithJWT(codec))
	}
	e.sessions = session.New(store, sessionOpts...)
	e.sched = cleanup.NewScheduler(store, cleanup.WithLogger(e.logger))

	for _, p := range plugins {
		if err := e.register(p); err != nil {
			return nil, err
		}
	}
	for _, p := range e.plugins {
		if err := p.Init(ctx, e); err != nil {
			return nil, fmt.Errorf("plugin %s init failed: %w", p.Name(), err)
		}
	}

	e.registerHousekeeping()

	return e, nil
}

func (e *Engine) register(p plugin.Plugin) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidPlugin
	}
	name := p.Name()
	if _, exists := e.plugins[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}

	steps := make(map[string]plugin.Step)
	for _, step := range p.Steps() {
		if step.Name == "" || step.Run == nil {
			return fmt.Errorf("%w: %s has a step without name or run", ErrInvalidPlugin, name)
		}
		if _, exists := steps[step.Name]; exists {
			return fmt.Errorf("%w: %s declares step %q twice", ErrInvalidPlugin, name, step.Name)
		}
		steps[step.Name] = step
	}

	e.plugins[name] = p
	e.steps[name] = steps
	if hp, ok := p.(plugin.HookProvider); ok {
		e.hooks[name] = hp.Hooks()
	}

	e.logger.Info("registered plugin",
		slog.String("plugin", name),
		slog.Int("steps", len(steps)))
	return nil
}

// registerHousekeeping wires the engine's own maintenance: expired sessions,
// revoked JWT records, and rotated signing keys past their grace window.
func (e *Engine) registerHousekeeping() {
	_ = e.sched.Register(cleanup.Task{
		Name:     "engine.sessions",
		Plugin:   "engine",
		Interval: time.Hour,
		Enabled:  true,
		Runner: func(ctx context.Context, _ orm.ORM) (cleanup.Report, error) {
			var rep cleanup.Report
			n, err := e.sessions.DeleteExpired(ctx)
			if err != nil {
				return rep, err
			}
			rep.Add("sessions", n)
			return rep, nil
		},
	})

	if e.keyring != nil {
		_ = e.sched.Register(cleanup.Task{
			Name:     "engine.jwks",
			Plugin:   "engine",
			Interval: 24 * time.Hour,
			Enabled:  true,
			Runner: func(ctx context.Context, _ orm.ORM) (cleanup.Report, error) {
				var rep cleanup.Report
				n, err := e.keyring.PurgeExpired(ctx)
				if err != nil {
					return rep, err
				}
				rep.Add("jwks_keys", n)
				return rep, nil
			},
		})
	}
}

// ExecuteStep runs one step through the full pipeline: plugin and step
// lookup, before hook, input validation, the step body, output validation
// (non-production), and the after hook. Expected failures come back inside
// the Result; the returned error is reserved for context cancellation.
func (e *Engine) ExecuteStep(ctx context.Context, pluginName, stepName string, input plugin.Input) (*plugin.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	steps, ok := e.steps[pluginName]
	if !ok {
		return plugin.Fail(plugin.StatusUnknownPlugin, fmt.Sprintf("unknown plugin %q", pluginName)), nil
	}
	step, ok := steps[stepName]
	if !ok {
		return plugin.Fail(plugin.StatusUnknownStep, fmt.Sprintf("unknown step %q", stepName)), nil
	}
	if input == nil {
		input = plugin.Input{}
	}

	pctx := &plugin.Context{Context: ctx, Engine: e, ORM: e.store}
	hooks := e.hooks[pluginName]

	return e.guarded(pctx, pluginName, stepName, func() (*plugin.Result, error) {
		if hooks.Before != nil {
			if err := hooks.Before(pctx, stepName, input); err != nil {
				return nil, err
			}
		}

		if err := step.Validate.Validate(input); err != nil {
			return plugin.Fail(plugin.StatusValidation, "Invalid input").WithError(err.Error()), nil
		}

		result, err := step.Run(pctx, input)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, fmt.Errorf("step %s.%s returned no result", pluginName, stepName)
		}

		if e.cfg.Environment != EnvProduction {
			if err := step.Outputs.Validate(resultBag(result)); err != nil {
				return nil, fmt.Errorf("step %s.%s output schema violation: %w", pluginName, stepName, err)
			}
		}

		if hooks.After != nil {
			if err := hooks.After(pctx, stepName, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	})
}

// guarded translates panics and unexpected errors into a masked internal
// result with a correlation id for the logs.
func (e *Engine) guarded(ctx *plugin.Context, pluginName, stepName string, fn func() (*plugin.Result, error)) (result *plugin.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = e.internal(ctx, pluginName, stepName, fmt.Errorf("panic: %v", r))
			err = nil
		}
	}()

	result, err = fn()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, plugin.ErrUpstreamTimeout) {
			return plugin.Fail(plugin.StatusUpstreamTimeout, "Upstream service timed out"), nil
		}
		return e.internal(ctx, pluginName, stepName, err), nil
	}
	return result, nil
}

func (e *Engine) internal(ctx *plugin.Context, pluginName, stepName string, cause error) *plugin.Result {
	correlationID := uuid.NewString()
	e.logger.ErrorContext(ctx, "step failed",
		slog.String("plugin", pluginName),
		slog.String("step", stepName),
		slog.String("correlation_id", correlationID),
		slog.String("error", cause.Error()))

	result := plugin.Fail(plugin.StatusInternal, "Something went wrong").WithError(correlationID)
	if e.cfg.Environment != EnvProduction {
		result.Set("diagnostic", cause.Error())
	}
	return result
}

// resultBag flattens a Result into the map shape output schemas validate.
func resultBag(r *plugin.Result) map[string]any {
	bag := map[string]any{
		"success": r.Success,
		"message": r.Message,
		"status":  r.Status,
	}
	if r.Token != "" {
		bag["token"] = r.Token
	}
	if r.Subject != nil {
		bag["subject"] = r.Subject
	}
	if r.Error != "" {
		bag["error"] = r.Error
	}
	for k, v := range r.Others {
		bag[k] = v
	}
	return bag
}

// CheckSession verifies a bearer token through the session service.
func (e *Engine) CheckSession(ctx context.Context, tok string) (session.Check, error) {
	return e.sessions.Check(ctx, tok)
}

// CreateSessionFor mints a session token for a subject of the given kind.
func (e *Engine) CreateSessionFor(ctx context.Context, kind, subjectID string, ttl time.Duration) (string, error) {
	return e.sessions.Create(ctx, kind, subjectID, ttl)
}

// DestroySession revokes a bearer token.
func (e *Engine) DestroySession(ctx context.Context, tok string) error {
	return e.sessions.Destroy(ctx, tok)
}

// ORM exposes the data-access port for steps and host applications.
func (e *Engine) ORM() orm.ORM { return e.store }

// Environment returns the configured runtime environment.
func (e *Engine) Environment() string { return e.cfg.Environment }

// RegisterSessionResolver binds a subject kind to its resolver. Plugins call
// this from Init.
func (e *Engine) RegisterSessionResolver(kind string, r session.Resolver) error {
	return e.sessions.RegisterResolver(kind, r)
}

// RegisterCleanupTask schedules a background maintenance task.
func (e *Engine) RegisterCleanupTask(task cleanup.Task) error {
	return e.sched.Register(task)
}

// Cleanup returns the scheduler for lifecycle management and administration.
func (e *Engine) Cleanup() *cleanup.Scheduler { return e.sched }

// Sessions returns the session service.
func (e *Engine) Sessions() *session.Service { return e.sessions }

// Plugin returns a registered plugin by name.
func (e *Engine) Plugin(name string) (plugin.Plugin, error) {
	p, ok := e.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return p, nil
}

// StepInputs returns the recognized input keys of a step, so transport
// adapters know what to extract from a request.
func (e *Engine) StepInputs(pluginName, stepName string) ([]string, error) {
	steps, ok := e.steps[pluginName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginName)
	}
	step, ok := steps[stepName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownStep, pluginName, stepName)
	}
	out := make([]string, len(step.Inputs))
	copy(out, step.Inputs)
	return out, nil
}

// Profile returns the sanitized profile for a subject via the owning plugin,
// when that plugin exposes one.
func (e *Engine) Profile(ctx context.Context, pluginName, subjectID string) (map[string]any, error) {
	p, err := e.Plugin(pluginName)
	if err != nil {
		return nil, err
	}
	pp, ok := p.(plugin.ProfileProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s exposes no profile", ErrUnknownStep, pluginName)
	}
	return pp.Profile(&plugin.Context{Context: ctx, Engine: e, ORM: e.store}, subjectID)
}
