package passwordless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/session"
	"github.com/dmitrymomot/authkit/pkg/randcode"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "passwordless"

const (
	subjectsTable          = "subjects"
	identitiesTable        = "identities"
	magicLinksTable        = "magic_links"
	verificationCodesTable = "verification_codes"

	maxCodeTTL = 24 * time.Hour
)

// Destination types accepted by the code steps.
const (
	DestEmail    = "email"
	DestPhone    = "phone"
	DestWhatsApp = "whatsapp"
)

// Purposes accepted by the code steps.
const (
	PurposeLogin    = "login"
	PurposeRegister = "register"
	PurposeVerify   = "verify"
)

// SendMagicLinkFunc delivers a magic-link token to an identifier. Hosts
// typically embed the token in a URL before sending.
type SendMagicLinkFunc func(ctx context.Context, identifier, token string) error

// SendCodeFunc delivers a one-time code over the given channel.
type SendCodeFunc func(ctx context.Context, destinationType, destination, code string) error

// CleanupConfig tunes the plugin's background maintenance task.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config enables at least one passwordless method and wires its delivery.
type Config struct {
	// MagicLinks enables send-magic-link / verify-magic-link. Requires SendMagicLink.
	MagicLinks    bool
	SendMagicLink SendMagicLinkFunc
	MagicLinkTTL  time.Duration

	// VerificationCodes enables send-code / verify-code. Requires SendCode.
	VerificationCodes bool
	SendCode          SendCodeFunc
	CodeTTL           time.Duration
	CodeKind          string
	CodeLength        int
	MaxAttempts       int

	// WebAuthn is accepted but its steps are not implemented yet; the relying
	// party fields are validated so a host can stage configuration early.
	WebAuthn bool
	RPID     string
	RPName   string

	// SessionTTL overrides the engine default when positive.
	SessionTTL time.Duration

	Cleanup CleanupConfig
}

func (c *Config) applyDefaults() {
	if c.MagicLinkTTL == 0 {
		c.MagicLinkTTL = 15 * time.Minute
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.CodeKind == "" {
		c.CodeKind = "numeric"
	}
	if c.CodeLength == 0 {
		c.CodeLength = 6
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 30 * time.Minute
	}
}

func (c Config) validate() error {
	var issues []string

	if !c.MagicLinks && !c.VerificationCodes && !c.WebAuthn {
		issues = append(issues, "at least one method must be enabled: MagicLinks, VerificationCodes, or WebAuthn")
	}
	if c.MagicLinks && c.SendMagicLink == nil {
		issues = append(issues, "SendMagicLink callback is required when MagicLinks is enabled")
	}
	if c.VerificationCodes && c.SendCode == nil {
		issues = append(issues, "SendCode callback is required when VerificationCodes is enabled")
	}
	if c.WebAuthn && (c.RPID == "" || c.RPName == "") {
		issues = append(issues, "RPID and RPName are required when WebAuthn is enabled")
	}
	if c.MagicLinkTTL < 0 || c.MagicLinkTTL > maxCodeTTL {
		issues = append(issues, "MagicLinkTTL must be between 0 and 24 hours")
	}
	if c.CodeTTL < 0 || c.CodeTTL > maxCodeTTL {
		issues = append(issues, "CodeTTL must be between 0 and 24 hours")
	}
	if c.CodeKind != "" {
		if _, err := randcode.Parse(c.CodeKind); err != nil {
			issues = append(issues, fmt.Sprintf("unknown CodeKind %q", c.CodeKind))
		}
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > 10 {
		issues = append(issues, "MaxAttempts must be between 0 and 10")
	}

	return plugin.NewConfigError(PluginName, issues)
}

// Plugin implements passwordless authentication over magic links and
// one-time codes.
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
			Name:     PluginName + ".artifacts",
			Plugin:   PluginName,
			Interval: pl.cfg.Cleanup.Interval,
			Enabled:  true,
			Runner:   pl.runCleanup,
		})
	}
	return nil
}

// runCleanup deletes expired and consumed magic links and one-time codes.
func (pl *Plugin) runCleanup(ctx context.Context, store orm.ORM) (cleanup.Report, error) {
	var rep cleanup.Report
	now := time.Now()

	n, err := store.DeleteMany(ctx, magicLinksTable, orm.Or(
		orm.Lte("expires_at", now),
		orm.NotNull("used_at"),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(magicLinksTable, n)

	n, err = store.DeleteMany(ctx, verificationCodesTable, orm.Or(
		orm.Lte("expires_at", now),
		orm.NotNull("used_at"),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(verificationCodesTable, n)

	return rep, nil
}

// provider maps a delivery channel to its identity provider. WhatsApp
// delivers to phone-number identities.
func provider(destinationType string) string {
	if destinationType == DestWhatsApp {
		return DestPhone
	}
	return destinationType
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (pl *Plugin) identity(ctx *plugin.Context, prov, identifier string) (orm.Record, error) {
	return ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
		orm.Eq("provider", prov),
		orm.Eq("identifier", identifier),
	)))
}

func sanitize(identity orm.Record) map[string]any {
	out := map[string]any{
		"id":       identity.String("subject_id"),
		"verified": identity.Bool("verified"),
	}
	out[identity.String("provider")] = identity.String("identifier")
	return out
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
