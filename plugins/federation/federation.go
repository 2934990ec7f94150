package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/session"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "federation"

const (
	subjectsTable    = "subjects"
	identitiesTable  = "identities"
	ssoRequestsTable = "sso_requests"

	maxStateTTL = time.Hour
)

// Identity is what the injected callbacks extract from the remote provider
// after a successful code exchange.
type Identity struct {
	// Subject is the provider's stable user identifier. Required.
	Subject string
	Email   string
	// EmailVerified reflects the provider's claim, not our verification.
	EmailVerified bool
	Name          string
	// Raw carries any further claims the host wants to keep.
	Raw map[string]any
}

// ExchangeFunc trades an authorization code for provider tokens. The nonce
// from the begin step is passed through so implementations can check the ID
// token against it. All network I/O lives behind this callback.
type ExchangeFunc func(ctx context.Context, provider, code, redirectURI, nonce string) (map[string]any, error)

// IdentityFunc resolves the exchanged tokens into the remote identity,
// typically via the provider's user-info endpoint or the ID token claims.
type IdentityFunc func(ctx context.Context, provider string, tokens map[string]any) (Identity, error)

// ProviderConfig describes one upstream identity provider.
type ProviderConfig struct {
	// AuthURL is the provider's authorization endpoint.
	AuthURL string
	// ClientID is sent in the authorization request.
	ClientID string
	// RedirectURI is where the provider sends the user back.
	RedirectURI string
	// Scopes defaults to "openid email profile".
	Scopes []string
}

// CleanupConfig tunes the plugin's background maintenance task.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config wires the federation providers and their outbound callbacks.
type Config struct {
	Providers map[string]ProviderConfig

	// Exchange and ResolveIdentity carry all outbound HTTP; the engine never
	// talks to the network itself.
	Exchange        ExchangeFunc
	ResolveIdentity IdentityFunc

	// StateTTL bounds how long a begun flow stays completable.
	StateTTL time.Duration
	// DisableRegistration rejects callbacks for identities that have no
	// local subject yet instead of provisioning one.
	DisableRegistration bool
	// SessionTTL overrides the engine default when positive.
	SessionTTL time.Duration

	Cleanup CleanupConfig
}

func (c *Config) applyDefaults() {
	if c.StateTTL == 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 30 * time.Minute
	}
	for name, p := range c.Providers {
		if len(p.Scopes) == 0 {
			p.Scopes = []string{"openid", "email", "profile"}
			c.Providers[name] = p
		}
	}
}

func (c Config) validate() error {
	var issues []string

	if len(c.Providers) == 0 {
		issues = append(issues, "at least one provider must be configured")
	}
	for name, p := range c.Providers {
		if strings.TrimSpace(name) == "" {
			issues = append(issues, "provider names must not be empty")
		}
		if p.AuthURL == "" {
			issues = append(issues, fmt.Sprintf("provider %q is missing AuthURL", name))
		} else if _, err := url.Parse(p.AuthURL); err != nil {
			issues = append(issues, fmt.Sprintf("provider %q has an invalid AuthURL", name))
		}
		if p.ClientID == "" {
			issues = append(issues, fmt.Sprintf("provider %q is missing ClientID", name))
		}
		if p.RedirectURI == "" {
			issues = append(issues, fmt.Sprintf("provider %q is missing RedirectURI", name))
		}
	}
	if c.Exchange == nil {
		issues = append(issues, "Exchange callback is required")
	}
	if c.ResolveIdentity == nil {
		issues = append(issues, "ResolveIdentity callback is required")
	}
	if c.StateTTL < 0 || c.StateTTL > maxStateTTL {
		issues = append(issues, "StateTTL must be between 0 and 1 hour")
	}

	return plugin.NewConfigError(PluginName, issues)
}

// Plugin federates authentication to upstream OIDC providers. Protocol
// artifacts (state, nonce) are generated and checked locally; every network
// round-trip is an injected callback.
type Plugin struct {
	cfg Config
}

// New validates the configuration and builds the plugin.
func New(cfg Config) (*Plugin, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Plugin{cfg: cfg}, nil
}

// Name implements plugin.Plugin.
func (pl *Plugin) Name() string { return PluginName }

// Init registers the shared subject resolver and the cleanup task.
func (pl *Plugin) Init(ctx context.Context, eng plugin.Engine) error {
	err := eng.RegisterSessionResolver(plugin.KindSubject, subjectResolver{store: eng.ORM()})
	if err != nil && !errors.Is(err, session.ErrResolverExists) {
		return err
	}

	if pl.cfg.Cleanup.Enabled {
		return eng.RegisterCleanupTask(cleanup.Task{
			Name:     PluginName + ".requests",
			Plugin:   PluginName,
			Interval: pl.cfg.Cleanup.Interval,
			Enabled:  true,
			Runner:   pl.runCleanup,
		})
	}
	return nil
}

// runCleanup deletes expired and consumed SSO requests.
func (pl *Plugin) runCleanup(ctx context.Context, store orm.ORM) (cleanup.Report, error) {
	var rep cleanup.Report

	n, err := store.DeleteMany(ctx, ssoRequestsTable, orm.Or(
		orm.Lte("expires_at", time.Now()),
		orm.NotNull("used_at"),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(ssoRequestsTable, n)
	return rep, nil
}

// identityProvider namespaces remote subjects so "google" identities never
// collide with local email identities.
func identityProvider(provider string) string {
	return "oidc:" + provider
}

func sanitize(identity orm.Record) map[string]any {
	return map[string]any{
		"id":       identity.String("subject_id"),
		"provider": identity.String("provider"),
		"email":    identity.String("email"),
		"verified": identity.Bool("verified"),
	}
}

type subjectResolver struct {
	store orm.ORM
}

func (r subjectResolver) GetByID(ctx context.Context, id string) (orm.Record, error) {
	return r.store.FindFirst(ctx, subjectsTable, orm.Where(orm.Eq("id", id)))
}

func (r subjectResolver) Sanitize(subject orm.Record) map[string]any {
	return map[string]any{"id": subject.String("id")}
}
