package anonymous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/session"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "anonymous"

const (
	subjectsTable          = "subjects"
	anonymousSessionsTable = "anonymous_sessions"
	sessionsTable          = "sessions"

	maxGuestTTL = 30 * 24 * time.Hour
)

// ConversionTarget describes how a guest becomes a permanent subject via one
// step of another plugin. Targets are declared in configuration; convert-guest
// refuses plugins without one.
type ConversionTarget struct {
	// Step is the target plugin's step to invoke, e.g. "register".
	Step string
	// MapInput translates the conversion payload into the target step's input.
	// Nil passes the payload through unchanged.
	MapInput func(data map[string]any) plugin.Input
	// Validate is applied to the conversion payload before dispatch.
	Validate *schema.Schema
	// Extract pulls the new subject id and token out of the target's result.
	// Nil reads Subject["id"] and Token.
	Extract func(res *plugin.Result) (subjectID, token string)
}

// CleanupConfig tunes the plugin's background maintenance task.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// Retention keeps expired guest records around before they are purged.
	Retention time.Duration
}

// Config sets the guest policy.
type Config struct {
	// GuestTTL is how long a fresh guest record lives.
	GuestTTL time.Duration
	// MaxGuestsPerFingerprint caps active guests sharing one fingerprint.
	MaxGuestsPerFingerprint int
	// FingerprintRequired rejects create-guest calls without a fingerprint or
	// derivable signals.
	FingerprintRequired bool

	// AllowExtension enables extend-guest; MaxExtensions bounds it per guest.
	AllowExtension bool
	MaxExtensions  int

	// AllowedConversionPlugins is the allow-list for convert-guest. Every
	// entry needs a matching ConversionTargets definition.
	AllowedConversionPlugins []string
	ConversionTargets        map[string]ConversionTarget

	// SessionTTL overrides the engine default when positive.
	SessionTTL time.Duration

	Cleanup CleanupConfig
}

func (c *Config) applyDefaults() {
	if c.GuestTTL == 0 {
		c.GuestTTL = 24 * time.Hour
	}
	if c.MaxGuestsPerFingerprint == 0 {
		c.MaxGuestsPerFingerprint = 5
	}
	if c.MaxExtensions == 0 {
		c.MaxExtensions = 5
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.Retention == 0 {
		c.Cleanup.Retention = 30 * 24 * time.Hour
	}
}

func (c Config) validate() error {
	var issues []string

	if c.GuestTTL < 0 || c.GuestTTL > maxGuestTTL {
		issues = append(issues, "GuestTTL must be between 0 and 30 days")
	}
	if c.MaxGuestsPerFingerprint < 0 {
		issues = append(issues, "MaxGuestsPerFingerprint must not be negative")
	}
	if c.MaxExtensions < 0 {
		issues = append(issues, "MaxExtensions must not be negative")
	}
	for _, name := range c.AllowedConversionPlugins {
		target, ok := c.ConversionTargets[name]
		if !ok {
			issues = append(issues, fmt.Sprintf("allowed conversion plugin %q has no ConversionTargets entry", name))
			continue
		}
		if target.Step == "" {
			issues = append(issues, fmt.Sprintf("ConversionTargets[%q] is missing a Step", name))
		}
	}

	return plugin.NewConfigError(PluginName, issues)
}

// Plugin issues short-lived guest identities bound to device fingerprints and
// converts them into permanent subjects through other plugins.
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

// Init registers the guest session resolver and the cleanup task.
func (pl *Plugin) Init(ctx context.Context, eng plugin.Engine) error {
	err := eng.RegisterSessionResolver(plugin.KindGuest, guestResolver{store: eng.ORM()})
	if err != nil && !errors.Is(err, session.ErrResolverExists) {
		return err
	}

	if pl.cfg.Cleanup.Enabled {
		return eng.RegisterCleanupTask(cleanup.Task{
			Name:     PluginName + ".guests",
			Plugin:   PluginName,
			Interval: pl.cfg.Cleanup.Interval,
			Enabled:  true,
			Runner:   pl.runCleanup,
		})
	}
	return nil
}

// runCleanup purges guest records whose expiry is past the retention window,
// together with their subjects and any session rows still pointing at them.
func (pl *Plugin) runCleanup(ctx context.Context, store orm.ORM) (cleanup.Report, error) {
	var rep cleanup.Report
	cutoff := time.Now().Add(-pl.cfg.Cleanup.Retention)

	stale, err := store.FindMany(ctx, anonymousSessionsTable, orm.Where(orm.Lte("expires_at", cutoff)))
	if err != nil {
		return rep, err
	}

	for _, rec := range stale {
		subjectID := rec.String("subject_id")
		err := store.Transaction(ctx, func(tx orm.ORM) error {
			if _, err := tx.DeleteMany(ctx, anonymousSessionsTable, orm.Eq("id", rec.String("id"))); err != nil {
				return err
			}
			if _, err := tx.DeleteMany(ctx, sessionsTable, orm.And(
				orm.Eq("subject_kind", plugin.KindGuest),
				orm.Eq("subject_id", subjectID),
			)); err != nil {
				return err
			}
			_, err := tx.DeleteMany(ctx, subjectsTable, orm.And(
				orm.Eq("id", subjectID),
				orm.Eq("kind", plugin.KindGuest),
			))
			return err
		})
		if err != nil {
			return rep, err
		}
		rep.Add(anonymousSessionsTable, 1)
	}

	return rep, nil
}

// guest loads the anonymous-session record backing a guest subject.
func (pl *Plugin) guest(ctx *plugin.Context, subjectID string) (orm.Record, error) {
	return ctx.ORM.FindFirst(ctx, anonymousSessionsTable, orm.Query{
		Where:   orm.Eq("subject_id", subjectID),
		OrderBy: []orm.Order{{Field: "created_at", Desc: true}},
	})
}

type guestResolver struct {
	store orm.ORM
}

func (r guestResolver) GetByID(ctx context.Context, id string) (orm.Record, error) {
	return r.store.FindFirst(ctx, subjectsTable, orm.Where(orm.And(
		orm.Eq("id", id),
		orm.Eq("kind", plugin.KindGuest),
	)))
}

func (r guestResolver) Sanitize(subject orm.Record) map[string]any {
	return map[string]any{
		"id":   subject.String("id"),
		"kind": plugin.KindGuest,
	}
}
