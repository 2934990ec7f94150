package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/pkg/randcode"
)

const (
	maxSessionTTL = 30 * 24 * time.Hour
	maxCodeTTL    = 24 * time.Hour
)

// SendCodeFunc delivers a verification or reset code to an identifier. The
// engine never talks to a mail or SMS gateway itself; hosts inject delivery.
type SendCodeFunc func(ctx context.Context, identifier, code string) error

// TestUsers are development fixtures. Logins against a fixture identifier
// short-circuit the credential store; fixtures are never consulted in
// production regardless of Enabled.
type TestUsers struct {
	Enabled bool
	// Users maps identifier to plaintext password.
	Users map[string]string
}

// CleanupConfig tunes the plugin's background maintenance task.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// Retention bounds how long a staged pending identifier change may sit
	// unverified before it is discarded.
	Retention time.Duration
}

// Config is shared by the email-password and phone-password plugins.
type Config struct {
	// RequireVerification gates authentication until the identity is verified
	// via a delivered code. Requires SendCode.
	RequireVerification bool
	SendCode            SendCodeFunc
	// LoginOnRegister issues a session immediately after registration when no
	// verification is pending.
	LoginOnRegister bool
	// SessionTTL overrides the engine default when positive.
	SessionTTL time.Duration

	CodeKind            string // "numeric" or "alphanumeric"
	CodeLength          int
	VerificationCodeTTL time.Duration
	ResetCodeTTL        time.Duration

	// Breach is consulted at password-set time only. Defaults to DenyNone.
	Breach hash.BreachChecker
	// Hash overrides the argon2id parameters. Zero value means defaults;
	// tests use cheap parameters.
	Hash hash.Params

	TestUsers TestUsers
	Cleanup   CleanupConfig
}

func (c *Config) applyDefaults() {
	if c.CodeKind == "" {
		c.CodeKind = "numeric"
	}
	if c.CodeLength == 0 {
		c.CodeLength = 6
	}
	if c.VerificationCodeTTL == 0 {
		c.VerificationCodeTTL = 15 * time.Minute
	}
	if c.ResetCodeTTL == 0 {
		c.ResetCodeTTL = 30 * time.Minute
	}
	if c.Breach == nil {
		c.Breach = hash.DenyNone{}
	}
	if c.Hash == (hash.Params{}) {
		c.Hash = hash.DefaultParams()
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 30 * time.Minute
	}
	if c.Cleanup.Retention == 0 {
		c.Cleanup.Retention = 24 * time.Hour
	}
}

// validate aggregates every violation so a misconfigured plugin fails fast
// with the full list.
func (c Config) validate(pluginName string) error {
	var issues []string

	if c.RequireVerification && c.SendCode == nil {
		issues = append(issues, "SendCode callback is required when RequireVerification is enabled")
	}
	if c.SessionTTL < 0 || c.SessionTTL > maxSessionTTL {
		issues = append(issues, "SessionTTL must be between 0 and 30 days")
	}
	if c.VerificationCodeTTL < 0 || c.VerificationCodeTTL > maxCodeTTL {
		issues = append(issues, "VerificationCodeTTL must be between 0 and 24 hours")
	}
	if c.ResetCodeTTL < 0 || c.ResetCodeTTL > maxCodeTTL {
		issues = append(issues, "ResetCodeTTL must be between 0 and 24 hours")
	}
	if c.CodeKind != "" {
		if _, err := randcode.Parse(c.CodeKind); err != nil {
			issues = append(issues, fmt.Sprintf("unknown CodeKind %q", c.CodeKind))
		}
	}
	if c.CodeLength != 0 && (c.CodeLength < 4 || c.CodeLength > 64) {
		issues = append(issues, "CodeLength must be between 4 and 64")
	}
	if c.Cleanup.Interval < 0 {
		issues = append(issues, "Cleanup.Interval must not be negative")
	}

	return plugin.NewConfigError(pluginName, issues)
}
