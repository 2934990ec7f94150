package passwordless_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authkit/core/engine"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/plugins/passwordless"
)

// outbox captures delivered links and codes in place of real gateways.
type outbox struct {
	mu    sync.Mutex
	links []string
	codes []string
}

func (o *outbox) sendLink(ctx context.Context, identifier, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links = append(o.links, token)
	return nil
}

func (o *outbox) sendCode(ctx context.Context, destinationType, destination, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes = append(o.codes, code)
	return nil
}

func (o *outbox) lastLink(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.links)
	return o.links[len(o.links)-1]
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.codes)
	return o.codes[len(o.codes)-1]
}

func (o *outbox) linkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

func newEngine(t *testing.T, cfg passwordless.Config) (*engine.Engine, *orm.Memory, *outbox) {
	t.Helper()

	box := &outbox{}
	if cfg.MagicLinks && cfg.SendMagicLink == nil {
		cfg.SendMagicLink = box.sendLink
	}
	if cfg.VerificationCodes && cfg.SendCode == nil {
		cfg.SendCode = box.sendCode
	}

	p, err := passwordless.New(cfg)
	require.NoError(t, err)

	ecfg := engine.DefaultConfig()
	ecfg.Environment = engine.EnvTest
	eng, err := engine.New(context.Background(), orm.NewMemory(), ecfg, []plugin.Plugin{p})
	require.NoError(t, err)
	return eng, eng.ORM().(*orm.Memory), box
}

func exec(t *testing.T, eng *engine.Engine, step string, input plugin.Input) *plugin.Result {
	t.Helper()
	res, err := eng.ExecuteStep(context.Background(), passwordless.PluginName, step, input)
	require.NoError(t, err)
	return res
}

// seedIdentity creates a subject with a verified identity directly in the store.
func seedIdentity(t *testing.T, store *orm.Memory, provider, identifier string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	subject, err := store.Create(ctx, "subjects", orm.Record{"created_at": now})
	require.NoError(t, err)
	_, err = store.Create(ctx, "identities", orm.Record{
		"subject_id": subject.String("id"),
		"provider":   provider,
		"identifier": identifier,
		"verified":   true,
		"created_at": now,
		"updated_at": now,
	})
	require.NoError(t, err)
	return subject.String("id")
}

func TestNew_ConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run("at least one method required", func(t *testing.T) {
		t.Parallel()
		_, err := passwordless.New(passwordless.Config{})
		var ce *plugin.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("magic links require delivery", func(t *testing.T) {
		t.Parallel()
		_, err := passwordless.New(passwordless.Config{MagicLinks: true})
		require.Error(t, err)
	})

	t.Run("webauthn requires relying party fields", func(t *testing.T) {
		t.Parallel()
		_, err := passwordless.New(passwordless.Config{WebAuthn: true})
		require.Error(t, err)

		_, err = passwordless.New(passwordless.Config{WebAuthn: true, RPID: "example.com", RPName: "Example"})
		require.NoError(t, err)
	})

	t.Run("disabled methods expose no steps", func(t *testing.T) {
		t.Parallel()

		eng, _, _ := newEngine(t, passwordless.Config{MagicLinks: true})
		res := exec(t, eng, "send-code", plugin.Input{
			"destination": "a@x.com", "destination_type": "email", "purpose": "login",
		})
		assert.Equal(t, plugin.StatusUnknownStep, res.Status)
	})
}

func TestMagicLink(t *testing.T) {
	t.Parallel()

	t.Run("single use end to end", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{MagicLinks: true})
		subjectID := seedIdentity(t, store, "email", "m@x.com")

		res := exec(t, eng, "send-magic-link", plugin.Input{"email": "m@x.com"})
		require.True(t, res.Success)
		link := box.lastLink(t)

		verify := exec(t, eng, "verify-magic-link", plugin.Input{"token": link})
		require.True(t, verify.Success)
		require.NotEmpty(t, verify.Token)
		assert.Equal(t, subjectID, verify.Subject["id"])

		chk, err := eng.CheckSession(context.Background(), verify.Token)
		require.NoError(t, err)
		assert.True(t, chk.Valid)

		replay := exec(t, eng, "verify-magic-link", plugin.Input{"token": link})
		assert.Equal(t, plugin.StatusExpired, replay.Status)
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		t.Parallel()

		eng, _, box := newEngine(t, passwordless.Config{MagicLinks: true})
		res := exec(t, eng, "send-magic-link", plugin.Input{"email": "ghost@x.com"})
		assert.True(t, res.Success)
		assert.Zero(t, box.linkCount(), "nothing is delivered for unknown identities")
	})

	t.Run("expired link rejected", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{MagicLinks: true})
		seedIdentity(t, store, "email", "m@x.com")
		exec(t, eng, "send-magic-link", plugin.Input{"email": "m@x.com"})

		_, err := store.UpdateMany(context.Background(), "magic_links", orm.NotNull("token_hash"),
			orm.Record{"expires_at": time.Now()})
		require.NoError(t, err)

		res := exec(t, eng, "verify-magic-link", plugin.Input{"token": box.lastLink(t)})
		assert.Equal(t, plugin.StatusExpired, res.Status)
	})
}

func TestSendCode(t *testing.T) {
	t.Parallel()

	t.Run("login purpose is anti-enumeration", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true})
		seedIdentity(t, store, "email", "known@x.com")

		known := exec(t, eng, "send-code", plugin.Input{
			"destination": "known@x.com", "destination_type": "email", "purpose": "login",
		})
		unknown := exec(t, eng, "send-code", plugin.Input{
			"destination": "ghost@x.com", "destination_type": "email", "purpose": "login",
		})

		assert.True(t, known.Success)
		assert.True(t, unknown.Success)
		assert.Equal(t, known.Message, unknown.Message)

		box.mu.Lock()
		sent := len(box.codes)
		box.mu.Unlock()
		assert.Equal(t, 1, sent, "only the known destination receives a code")
	})

	t.Run("register purpose conflicts on existing identity", func(t *testing.T) {
		t.Parallel()

		eng, store, _ := newEngine(t, passwordless.Config{VerificationCodes: true})
		seedIdentity(t, store, "email", "taken@x.com")

		res := exec(t, eng, "send-code", plugin.Input{
			"destination": "taken@x.com", "destination_type": "email", "purpose": "register",
		})
		assert.Equal(t, plugin.StatusConflict, res.Status)
	})

	t.Run("whatsapp delivers to phone identities", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true})
		seedIdentity(t, store, "phone", "+14155552671")

		res := exec(t, eng, "send-code", plugin.Input{
			"destination": "+14155552671", "destination_type": "whatsapp", "purpose": "login",
		})
		require.True(t, res.Success)

		verify := exec(t, eng, "verify-code", plugin.Input{
			"destination": "+14155552671", "destination_type": "whatsapp", "purpose": "login",
			"code": box.lastCode(t),
		})
		require.True(t, verify.Success)
		assert.NotEmpty(t, verify.Token)
	})
}

func TestVerifyCode(t *testing.T) {
	t.Parallel()

	t.Run("register creates subject and identity", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true})
		exec(t, eng, "send-code", plugin.Input{
			"destination": "new@x.com", "destination_type": "email", "purpose": "register",
		})

		res := exec(t, eng, "verify-code", plugin.Input{
			"destination": "new@x.com", "destination_type": "email", "purpose": "register",
			"code": box.lastCode(t),
		})
		require.True(t, res.Success)
		assert.Equal(t, plugin.StatusCreated, res.Status)
		assert.NotEmpty(t, res.Token)

		n, err := store.Count(context.Background(), "identities", orm.And(
			orm.Eq("provider", "email"), orm.Eq("identifier", "new@x.com"), orm.Eq("verified", true),
		))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("verify purpose flips the identity", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true})
		seedIdentity(t, store, "email", "u@x.com")
		_, err := store.UpdateMany(context.Background(), "identities",
			orm.Eq("identifier", "u@x.com"), orm.Record{"verified": false})
		require.NoError(t, err)

		exec(t, eng, "send-code", plugin.Input{
			"destination": "u@x.com", "destination_type": "email", "purpose": "verify",
		})
		res := exec(t, eng, "verify-code", plugin.Input{
			"destination": "u@x.com", "destination_type": "email", "purpose": "verify",
			"code": box.lastCode(t),
		})
		require.True(t, res.Success)
		assert.Equal(t, true, res.Subject["verified"])
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true, MaxAttempts: 2})
		seedIdentity(t, store, "email", "b@x.com")
		exec(t, eng, "send-code", plugin.Input{
			"destination": "b@x.com", "destination_type": "email", "purpose": "login",
		})

		in := plugin.Input{
			"destination": "b@x.com", "destination_type": "email", "purpose": "login", "code": "000000",
		}
		first := exec(t, eng, "verify-code", in)
		second := exec(t, eng, "verify-code", in)
		third := exec(t, eng, "verify-code", in)

		assert.Equal(t, plugin.StatusInvalidCredentials, first.Status)
		assert.Equal(t, plugin.StatusInvalidCredentials, second.Status)
		assert.Equal(t, plugin.StatusRateLimited, third.Status)

		// The real code is burned too once the bound is hit.
		real := plugin.Input{
			"destination": "b@x.com", "destination_type": "email", "purpose": "login",
			"code": box.lastCode(t),
		}
		burned := exec(t, eng, "verify-code", real)
		assert.Equal(t, plugin.StatusRateLimited, burned.Status)
	})

	t.Run("code is single use", func(t *testing.T) {
		t.Parallel()

		eng, store, box := newEngine(t, passwordless.Config{VerificationCodes: true})
		seedIdentity(t, store, "email", "s@x.com")
		exec(t, eng, "send-code", plugin.Input{
			"destination": "s@x.com", "destination_type": "email", "purpose": "login",
		})

		in := plugin.Input{
			"destination": "s@x.com", "destination_type": "email", "purpose": "login",
			"code": box.lastCode(t),
		}
		first := exec(t, eng, "verify-code", in)
		require.True(t, first.Success)

		replay := exec(t, eng, "verify-code", in)
		assert.False(t, replay.Success)
	})
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	eng, store, box := newEngine(t, passwordless.Config{
		MagicLinks:        true,
		VerificationCodes: true,
		Cleanup:           passwordless.CleanupConfig{Enabled: true},
	})
	ctx := context.Background()
	seedIdentity(t, store, "email", "c@x.com")

	exec(t, eng, "send-magic-link", plugin.Input{"email": "c@x.com"})
	exec(t, eng, "send-code", plugin.Input{
		"destination": "c@x.com", "destination_type": "email", "purpose": "login",
	})
	// Consume the link, expire the code.
	exec(t, eng, "verify-magic-link", plugin.Input{"token": box.lastLink(t)})
	_, err := store.UpdateMany(ctx, "verification_codes", orm.NotNull("code_hash"),
		orm.Record{"expires_at": time.Now().Add(-time.Second)})
	require.NoError(t, err)

	report, err := eng.Cleanup().RunOnce(ctx, "passwordless.artifacts")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Cleaned, int64(2))

	n, err := store.Count(ctx, "magic_links", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.Count(ctx, "verification_codes", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
