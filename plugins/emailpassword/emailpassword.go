package emailpassword

import (
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/plugins/internal/credential"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "email-password"

// Config aliases the shared password-plugin configuration.
type Config = credential.Config

// TestUsers aliases the development fixture configuration.
type TestUsers = credential.TestUsers

// CleanupConfig aliases the background maintenance configuration.
type CleanupConfig = credential.CleanupConfig

// SendCodeFunc delivers verification and reset codes by email.
type SendCodeFunc = credential.SendCodeFunc

// New builds the email-password plugin. Configuration violations are
// aggregated into a single error.
func New(cfg Config) (*credential.Plugin, error) {
	return credential.New(credential.Provider{
		PluginName: PluginName,
		Provider:   "email",
		Field:      "email",
		MetaTable:  "email_identities",
		Rule:       schema.Email(),
	}, cfg)
}
