package apikey

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "api-key"

const (
	apiKeysTable  = "api_keys"
	keyUsageTable = "api_key_usage"

	maxKeyTTL = 2 * 365 * 24 * time.Hour
)

// CleanupConfig tunes the plugin's background maintenance task.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// Retention keeps expired and revoked keys around for auditing before
	// they are purged.
	Retention time.Duration
}

// Config sets the API-key policy.
type Config struct {
	// Prefix is prepended to every generated key, e.g. "ak_".
	Prefix string
	// KeyBytes is the entropy of the random part in bytes.
	KeyBytes int
	// AllowedScopes restricts the scopes a key may carry. Empty allows any.
	AllowedScopes []string
	// MaxKeysPerUser caps active keys per subject.
	MaxKeysPerUser int
	// DefaultTTL expires new keys after this duration. Zero means no expiry.
	DefaultTTL time.Duration
	// TrackUsage records last_used_at on authentication, throttled to one
	// write per UsageInterval per key.
	TrackUsage    bool
	UsageInterval time.Duration

	Cleanup CleanupConfig
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "ak_"
	}
	if c.KeyBytes == 0 {
		c.KeyBytes = 32
	}
	if c.MaxKeysPerUser == 0 {
		c.MaxKeysPerUser = 10
	}
	if c.UsageInterval == 0 {
		c.UsageInterval = time.Minute
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.Retention == 0 {
		c.Cleanup.Retention = 90 * 24 * time.Hour
	}
}

func (c Config) validate() error {
	var issues []string

	if c.KeyBytes < 0 || (c.KeyBytes > 0 && c.KeyBytes < 16) {
		issues = append(issues, "KeyBytes must provide at least 128 bits of entropy")
	}
	if c.KeyBytes > 64 {
		issues = append(issues, "KeyBytes must not exceed 64")
	}
	if c.MaxKeysPerUser < 0 {
		issues = append(issues, "MaxKeysPerUser must not be negative")
	}
	if c.DefaultTTL < 0 || c.DefaultTTL > maxKeyTTL {
		issues = append(issues, "DefaultTTL must be between 0 and 2 years")
	}
	if strings.ContainsAny(c.Prefix, " \t\n") {
		issues = append(issues, "Prefix must not contain whitespace")
	}

	return plugin.NewConfigError(PluginName, issues)
}

// scopesAllowed reports whether every requested scope is in the allow-list.
func (c Config) scopesAllowed(scopes []string) (string, bool) {
	if len(c.AllowedScopes) == 0 {
		return "", true
	}
	for _, s := range scopes {
		if !slices.Contains(c.AllowedScopes, s) {
			return s, false
		}
	}
	return "", true
}

// Plugin manages long-lived API keys for authenticated subjects. The raw key
// is returned exactly once at creation; only its hash is stored.
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

// Init registers the cleanup task. API keys need no session resolver: the key
// itself is the credential.
func (pl *Plugin) Init(ctx context.Context, eng plugin.Engine) error {
	if pl.cfg.Cleanup.Enabled {
		return eng.RegisterCleanupTask(cleanup.Task{
			Name:     PluginName + ".keys",
			Plugin:   PluginName,
			Interval: pl.cfg.Cleanup.Interval,
			Enabled:  true,
			Runner:   pl.runCleanup,
		})
	}
	return nil
}

// runCleanup deactivates keys past their expiry, then purges keys that
// expired or were revoked longer ago than the retention window. Recently
// revoked keys are kept for auditing, as are recent usage records.
func (pl *Plugin) runCleanup(ctx context.Context, store orm.ORM) (cleanup.Report, error) {
	var rep cleanup.Report
	now := time.Now()
	cutoff := now.Add(-pl.cfg.Cleanup.Retention)

	// Deactivation is not a removal; it keeps authenticate lookups cheap and
	// the active-key quota honest without touching the audit trail.
	if _, err := store.UpdateMany(ctx, apiKeysTable, orm.And(
		orm.Eq("is_active", true),
		orm.NotNull("expires_at"),
		orm.Lte("expires_at", now),
	), orm.Record{"is_active": false, "updated_at": now}); err != nil {
		return rep, err
	}

	n, err := store.DeleteMany(ctx, apiKeysTable, orm.Or(
		orm.And(orm.NotNull("expires_at"), orm.Lte("expires_at", cutoff)),
		orm.And(orm.Eq("is_active", false), orm.Lte("revoked_at", cutoff)),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(apiKeysTable, n)

	n, err = store.DeleteMany(ctx, keyUsageTable, orm.Lte("used_at", cutoff))
	if err != nil {
		return rep, err
	}
	rep.Add(keyUsageTable, n)
	return rep, nil
}

// owner resolves the bearer token to a subject id, or fails the step.
func owner(ctx *plugin.Context, token string) (string, *plugin.Result, error) {
	chk, err := ctx.Engine.CheckSession(ctx, token)
	if err != nil {
		return "", nil, err
	}
	if !chk.Valid || chk.Kind != plugin.KindSubject {
		return "", plugin.Fail(plugin.StatusUnauthorized, "A valid session is required"), nil
	}
	return chk.SubjectID, nil, nil
}

// sanitizeKey strips the hash from a stored key record for output.
func sanitizeKey(rec orm.Record) map[string]any {
	out := map[string]any{
		"id":        rec.String("id"),
		"name":      rec.String("name"),
		"prefix":    rec.String("prefix"),
		"scopes":    scopesOf(rec),
		"is_active": rec.Bool("is_active"),
	}
	if t := rec.Time("expires_at"); !t.IsZero() {
		out["expires_at"] = t
	}
	if t := rec.Time("last_used_at"); !t.IsZero() {
		out["last_used_at"] = t
	}
	return out
}

func scopesOf(rec orm.Record) []string {
	switch v := rec["scopes"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// inputScopes reads the scopes field, accepting both typed and decoded-JSON
// slices.
func inputScopes(input plugin.Input) ([]string, error) {
	return scopeList(input, "scopes")
}

func scopeList(input plugin.Input, field string) ([]string, error) {
	raw, present := input[field]
	if !present || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			str, ok := s.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", field)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a list of strings", field)
}
