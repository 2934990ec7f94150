package engine_test

// End-to-end flows across the whole plugin set, wired into one engine the
// way a host application would assemble it.

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authkit/core/engine"
	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/plugins/anonymous"
	"github.com/dmitrymomot/authkit/plugins/apikey"
	"github.com/dmitrymomot/authkit/plugins/emailpassword"
	"github.com/dmitrymomot/authkit/plugins/passwordless"
)

var fastHash = hash.Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

// sink captures every outbound delivery the plugins make.
type sink struct {
	mu    sync.Mutex
	codes []string
	links []string
}

func (s *sink) sendCode(ctx context.Context, identifier, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *sink) sendMagicLink(ctx context.Context, identifier, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, token)
	return nil
}

func (s *sink) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.codes)
	return s.codes[len(s.codes)-1]
}

func (s *sink) lastLink(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.links)
	return s.links[len(s.links)-1]
}

// stack assembles an engine with the full plugin set over a fresh store.
func stack(t *testing.T, email emailpassword.Config) (*engine.Engine, *orm.Memory, *sink) {
	t.Helper()

	out := &sink{}
	email.Hash = fastHash
	if email.SendCode == nil {
		email.SendCode = out.sendCode
	}
	ep, err := emailpassword.New(email)
	require.NoError(t, err)

	pwless, err := passwordless.New(passwordless.Config{
		MagicLinks:    true,
		SendMagicLink: out.sendMagicLink,
	})
	require.NoError(t, err)

	guests, err := anonymous.New(anonymous.Config{
		AllowedConversionPlugins: []string{emailpassword.PluginName},
		ConversionTargets: map[string]anonymous.ConversionTarget{
			emailpassword.PluginName: {Step: "register"},
		},
	})
	require.NoError(t, err)

	keys, err := apikey.New(apikey.Config{MaxKeysPerUser: 2})
	require.NoError(t, err)

	cfg := engine.DefaultConfig()
	cfg.Environment = engine.EnvTest
	eng, err := engine.New(context.Background(), orm.NewMemory(), cfg,
		[]plugin.Plugin{ep, pwless, guests, keys})
	require.NoError(t, err)
	return eng, eng.ORM().(*orm.Memory), out
}

func run(t *testing.T, eng *engine.Engine, pluginName, step string, input plugin.Input) *plugin.Result {
	t.Helper()
	res, err := eng.ExecuteStep(context.Background(), pluginName, step, input)
	require.NoError(t, err)
	return res
}

func TestScenario_RegisterAndLogin(t *testing.T) {
	t.Parallel()

	eng, _, _ := stack(t, emailpassword.Config{LoginOnRegister: true})

	registered := run(t, eng, "email-password", "register", plugin.Input{
		"email": "a@x.com", "password": "Hunter2-is-fine",
	})
	require.True(t, registered.Success)
	assert.NotEmpty(t, registered.Token)

	login := run(t, eng, "email-password", "login", plugin.Input{
		"email": "a@x.com", "password": "Hunter2-is-fine",
	})
	require.True(t, login.Success)
	assert.NotEmpty(t, login.Token)

	wrong := run(t, eng, "email-password", "login", plugin.Input{
		"email": "a@x.com", "password": "wrong",
	})
	assert.False(t, wrong.Success)
	assert.Equal(t, plugin.StatusInvalidCredentials, wrong.Status)
	assert.Equal(t, "Invalid email or password", wrong.Message)
}

func TestScenario_RegisterVerifyLogin(t *testing.T) {
	t.Parallel()

	eng, _, out := stack(t, emailpassword.Config{RequireVerification: true, CodeLength: 6})

	registered := run(t, eng, "email-password", "register", plugin.Input{
		"email": "v@x.com", "password": "Hunter2-is-fine",
	})
	require.True(t, registered.Success)
	code := out.lastCode(t)
	require.Len(t, code, 6)

	gated := run(t, eng, "email-password", "login", plugin.Input{
		"email": "v@x.com", "password": "Hunter2-is-fine",
	})
	assert.Equal(t, plugin.StatusVerificationRequired, gated.Status)

	verified := run(t, eng, "email-password", "verify-email", plugin.Input{
		"email": "v@x.com", "code": code,
	})
	require.True(t, verified.Success)

	login := run(t, eng, "email-password", "login", plugin.Input{
		"email": "v@x.com", "password": "Hunter2-is-fine",
	})
	require.True(t, login.Success)
	assert.NotEmpty(t, login.Token)
}

func TestScenario_MagicLinkSingleUse(t *testing.T) {
	t.Parallel()

	eng, _, out := stack(t, emailpassword.Config{LoginOnRegister: true})
	require.True(t, run(t, eng, "email-password", "register", plugin.Input{
		"email": "b@x.com", "password": "Hunter2-is-fine",
	}).Success)

	sent := run(t, eng, "passwordless", "send-magic-link", plugin.Input{"email": "b@x.com"})
	require.True(t, sent.Success)
	link := out.lastLink(t)

	first := run(t, eng, "passwordless", "verify-magic-link", plugin.Input{"token": link})
	require.True(t, first.Success)
	assert.NotEmpty(t, first.Token)

	second := run(t, eng, "passwordless", "verify-magic-link", plugin.Input{"token": link})
	assert.False(t, second.Success)
	assert.Equal(t, plugin.StatusExpired, second.Status)
}

func TestScenario_GuestConversion(t *testing.T) {
	t.Parallel()

	eng, _, _ := stack(t, emailpassword.Config{LoginOnRegister: true})
	ctx := context.Background()

	guest := run(t, eng, "anonymous", "create-guest", plugin.Input{"fingerprint": "fp1"})
	require.True(t, guest.Success)
	guestID := guest.Subject["id"]

	converted := run(t, eng, "anonymous", "convert-guest", plugin.Input{
		"token":         guest.Token,
		"target_plugin": "email-password",
		"conversion_data": map[string]any{
			"email": "c@x.com", "password": "P@ssw0rd-ok",
		},
	})
	require.True(t, converted.Success)
	require.NotEmpty(t, converted.Token)
	assert.NotEqual(t, guestID, converted.Subject["id"])

	stale, err := eng.CheckSession(ctx, guest.Token)
	require.NoError(t, err)
	assert.False(t, stale.Valid)

	// The permanent subject authenticates under the target plugin.
	login := run(t, eng, "email-password", "login", plugin.Input{
		"email": "c@x.com", "password": "P@ssw0rd-ok",
	})
	require.True(t, login.Success)
	assert.Equal(t, converted.Subject["id"], login.Subject["id"])
}

func TestScenario_APIKeyLifecycle(t *testing.T) {
	t.Parallel()

	eng, _, _ := stack(t, emailpassword.Config{LoginOnRegister: true})

	registered := run(t, eng, "email-password", "register", plugin.Input{
		"email": "ci@x.com", "password": "Hunter2-is-fine",
	})
	require.True(t, registered.Success)
	session := registered.Token

	created := run(t, eng, "api-key", "create-api-key", plugin.Input{
		"token": session, "name": "CI",
	})
	require.True(t, created.Success)
	raw := created.GetString("api_key")
	require.NotEmpty(t, raw)

	dup := run(t, eng, "api-key", "create-api-key", plugin.Input{
		"token": session, "name": "CI",
	})
	assert.Equal(t, plugin.StatusConflict, dup.Status)

	authed := run(t, eng, "api-key", "authenticate-api-key", plugin.Input{"api_key": raw})
	require.True(t, authed.Success)

	keyID := created.GetMap("key")["id"].(string)
	require.True(t, run(t, eng, "api-key", "revoke-api-key", plugin.Input{
		"token": session, "key_id": keyID,
	}).Success)

	dead := run(t, eng, "api-key", "authenticate-api-key", plugin.Input{"api_key": raw})
	assert.False(t, dead.Success)
}

func TestScenario_CleanupRemovesExpiredCodes(t *testing.T) {
	t.Parallel()

	eng, store, _ := stack(t, emailpassword.Config{
		Cleanup: emailpassword.CleanupConfig{Enabled: true},
	})
	ctx := context.Background()

	_, err := store.Create(ctx, "verification_codes", orm.Record{
		"code_hash":        hash.Code("123456"),
		"destination":      "d@x.com",
		"destination_type": "email",
		"purpose":          "verify",
		"expires_at":       time.Now().Add(-time.Second),
		"used_at":          nil,
		"created_at":       time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	report, err := eng.Cleanup().RunOnce(ctx, "email-password.codes")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Cleaned, int64(1))

	n, err := store.Count(ctx, "verification_codes", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Cleanup is idempotent: a second run changes nothing.
	again, err := eng.Cleanup().RunOnce(ctx, "email-password.codes")
	require.NoError(t, err)
	assert.Zero(t, again.Cleaned)
}
