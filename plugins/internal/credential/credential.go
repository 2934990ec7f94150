// Package credential implements the shared password-plugin machinery behind
// the email-password and phone-password plugins. A Provider parameterizes the
// identity provider name, the input field, the metadata table, and the
// identifier validation rule; everything else (registration, login,
// verification, reset, change flows, cleanup) is identical between the two.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/session"
)

const (
	subjectsTable    = "subjects"
	identitiesTable  = "identities"
	credentialsTable = "credentials"
	resetCodesTable  = "password_reset_codes"
)

// Provider fixes the identifier-specific parts of a password plugin.
type Provider struct {
	// PluginName is the registered plugin name, e.g. "email-password".
	PluginName string
	// Provider is the identity provider discriminator, e.g. "email".
	Provider string
	// Field is the input key carrying the identifier, e.g. "email".
	Field string
	// MetaTable holds provider metadata (hashed codes, pending identifier).
	MetaTable string
	// Rule validates the identifier format.
	Rule schema.Rule
}

// Plugin is a configured password plugin instance.
type Plugin struct {
	p         Provider
	cfg       Config
	dummyHash string
}

// New validates the configuration and builds the plugin. All configuration
// violations are aggregated into a single error.
func New(p Provider, cfg Config) (*Plugin, error) {
	if err := cfg.validate(p.PluginName); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	// Pre-hashed filler keeps login timing identical whether or not the
	// identity exists.
	dummy, err := hash.PasswordWithParams("credential-timing-filler", cfg.Hash)
	if err != nil {
		return nil, err
	}

	return &Plugin{p: p, cfg: cfg, dummyHash: dummy}, nil
}

// Name implements plugin.Plugin.
func (pl *Plugin) Name() string { return pl.p.PluginName }

// Init registers the shared subject resolver and the cleanup task. The
// "subject" kind is shared by every permanent-identity plugin; the first
// registration wins.
func (pl *Plugin) Init(ctx context.Context, eng plugin.Engine) error {
	err := eng.RegisterSessionResolver(plugin.KindSubject, subjectResolver{store: eng.ORM()})
	if err != nil && !errors.Is(err, session.ErrResolverExists) {
		return err
	}

	if pl.cfg.Cleanup.Enabled {
		return eng.RegisterCleanupTask(pl.cleanupTask())
	}
	return nil
}

// Profile implements plugin.ProfileProvider: the subject's identity on this
// plugin's provider, sanitized.
func (pl *Plugin) Profile(ctx *plugin.Context, subjectID string) (map[string]any, error) {
	identity, err := ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
		orm.Eq("subject_id", subjectID),
		orm.Eq("provider", pl.p.Provider),
	)))
	if err != nil {
		return nil, err
	}
	return pl.sanitize(identity), nil
}

// sanitize builds the public subject view from an identity row.
func (pl *Plugin) sanitize(identity orm.Record) map[string]any {
	return map[string]any{
		"id":       identity.String("subject_id"),
		pl.p.Field: identity.String("identifier"),
		"verified": identity.Bool("verified"),
	}
}

// normalize canonicalizes identifiers before storage and lookup so matching
// is case-insensitive.
func (pl *Plugin) normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (pl *Plugin) identity(ctx *plugin.Context, identifier string) (orm.Record, error) {
	return ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
		orm.Eq("provider", pl.p.Provider),
		orm.Eq("identifier", identifier),
	)))
}

// subjectResolver resolves permanent subjects for the session service.
type subjectResolver struct {
	store orm.ORM
}

func (r subjectResolver) GetByID(ctx context.Context, id string) (orm.Record, error) {
	return r.store.FindFirst(ctx, subjectsTable, orm.Where(orm.Eq("id", id)))
}

func (r subjectResolver) Sanitize(subject orm.Record) map[string]any {
	return map[string]any{"id": subject.String("id")}
}

// sessionTTL resolves the configured override, falling back to the engine
// default when zero.
func (pl *Plugin) sessionTTL() time.Duration { return pl.cfg.SessionTTL }
