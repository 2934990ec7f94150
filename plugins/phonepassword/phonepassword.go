package phonepassword

import (
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/plugins/internal/credential"
)

// PluginName is the identifier the plugin registers under.
const PluginName = "phone-password"

// Config aliases the shared password-plugin configuration.
type Config = credential.Config

// TestUsers aliases the development fixture configuration.
type TestUsers = credential.TestUsers

// CleanupConfig aliases the background maintenance configuration.
type CleanupConfig = credential.CleanupConfig

// SendCodeFunc delivers verification and reset codes by SMS.
type SendCodeFunc = credential.SendCodeFunc

// New builds the phone-password plugin: the email-password flows with E.164
// phone numbers as identifiers.
func New(cfg Config) (*credential.Plugin, error) {
	return credential.New(credential.Provider{
		PluginName: PluginName,
		Provider:   "phone",
		Field:      "phone",
		MetaTable:  "phone_identities",
		Rule:       schema.Phone(),
	}, cfg)
}
