package apikey_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authkit/core/engine"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/plugins/apikey"
)

type subjectResolver struct {
	store orm.ORM
}

func (r subjectResolver) GetByID(ctx context.Context, id string) (orm.Record, error) {
	return r.store.FindFirst(ctx, "subjects", orm.Where(orm.Eq("id", id)))
}

func (r subjectResolver) Sanitize(subject orm.Record) map[string]any {
	return map[string]any{"id": subject.String("id")}
}

func newEngine(t *testing.T, cfg apikey.Config) (*engine.Engine, *orm.Memory) {
	t.Helper()

	p, err := apikey.New(cfg)
	require.NoError(t, err)

	ecfg := engine.DefaultConfig()
	ecfg.Environment = engine.EnvTest
	eng, err := engine.New(context.Background(), orm.NewMemory(), ecfg, []plugin.Plugin{p})
	require.NoError(t, err)

	store := eng.ORM().(*orm.Memory)
	require.NoError(t, eng.RegisterSessionResolver(plugin.KindSubject, subjectResolver{store: store}))
	return eng, store
}

// login provisions a subject and returns a bearer token for it.
func login(t *testing.T, eng *engine.Engine, store *orm.Memory) (subjectID, token string) {
	t.Helper()
	ctx := context.Background()

	subject, err := store.Create(ctx, "subjects", orm.Record{"created_at": time.Now()})
	require.NoError(t, err)
	tok, err := eng.CreateSessionFor(ctx, plugin.KindSubject, subject.String("id"), 0)
	require.NoError(t, err)
	return subject.String("id"), tok
}

func exec(t *testing.T, eng *engine.Engine, step string, input plugin.Input) *plugin.Result {
	t.Helper()
	res, err := eng.ExecuteStep(context.Background(), apikey.PluginName, step, input)
	require.NoError(t, err)
	return res
}

func TestNew_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := apikey.New(apikey.Config{KeyBytes: 8})
	var ce *plugin.ConfigError
	require.ErrorAs(t, err, &ce)

	_, err = apikey.New(apikey.Config{Prefix: "bad prefix_"})
	require.Error(t, err)

	_, err = apikey.New(apikey.Config{})
	require.NoError(t, err)
}

func TestCreateAPIKey(t *testing.T) {
	t.Parallel()

	t.Run("returns the raw key exactly once", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{Prefix: "sk_"})
		_, tok := login(t, eng, store)

		res := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "ci"})
		require.True(t, res.Success)
		assert.Equal(t, plugin.StatusCreated, res.Status)

		raw := res.GetString("api_key")
		require.NotEmpty(t, raw)
		assert.True(t, strings.HasPrefix(raw, "sk_"))

		// Only the hash is persisted.
		n, err := store.Count(context.Background(), "api_keys", orm.Eq("key_hash", raw))
		require.NoError(t, err)
		assert.Zero(t, n)

		listed := exec(t, eng, "list-api-keys", plugin.Input{"token": tok})
		keys, _ := listed.Get("keys")
		require.Len(t, keys, 1)
		_, exposed := keys.([]map[string]any)[0]["api_key"]
		assert.False(t, exposed, "the raw key is never listed")
	})

	t.Run("requires a session", func(t *testing.T) {
		t.Parallel()

		eng, _ := newEngine(t, apikey.Config{})
		res := exec(t, eng, "create-api-key", plugin.Input{"token": "bogus", "name": "ci"})
		assert.Equal(t, plugin.StatusUnauthorized, res.Status)
	})

	t.Run("scope allow-list", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{AllowedScopes: []string{"read", "write"}})
		_, tok := login(t, eng, store)

		res := exec(t, eng, "create-api-key", plugin.Input{
			"token": tok, "name": "ci", "scopes": []string{"read", "admin"},
		})
		assert.Equal(t, plugin.StatusValidation, res.Status)

		ok := exec(t, eng, "create-api-key", plugin.Input{
			"token": tok, "name": "ci", "scopes": []string{"read"},
		})
		assert.True(t, ok.Success)
	})

	t.Run("caps active keys per subject", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{MaxKeysPerUser: 2})
		_, tok := login(t, eng, store)

		for _, name := range []string{"a", "b"} {
			res := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": name})
			require.True(t, res.Success)
		}
		capped := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "c"})
		assert.Equal(t, plugin.StatusRateLimited, capped.Status)

		// Revoking one frees a slot: only active keys count.
		first := exec(t, eng, "list-api-keys", plugin.Input{"token": tok})
		keys, _ := first.Get("keys")
		id := keys.([]map[string]any)[0]["id"].(string)
		require.True(t, exec(t, eng, "revoke-api-key", plugin.Input{"token": tok, "key_id": id}).Success)

		res := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "c"})
		assert.True(t, res.Success)
	})

	t.Run("name unique among active keys", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{})
		_, tok := login(t, eng, store)

		require.True(t, exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "deploy"}).Success)
		dup := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "deploy"})
		assert.Equal(t, plugin.StatusConflict, dup.Status)
	})

	t.Run("uniqueness holds under concurrent creates", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{})
		_, tok := login(t, eng, store)

		const callers = 8
		statuses := make(chan string, callers)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			go func() {
				<-start
				res, err := eng.ExecuteStep(context.Background(), apikey.PluginName,
					"create-api-key", plugin.Input{"token": tok, "name": "deploy"})
				if err != nil {
					statuses <- "error"
					return
				}
				statuses <- res.Status
			}()
		}
		close(start)

		counts := map[string]int{}
		for i := 0; i < callers; i++ {
			counts[<-statuses]++
		}
		assert.Equal(t, 1, counts[plugin.StatusCreated])
		assert.Equal(t, callers-1, counts[plugin.StatusConflict])

		n, err := store.Count(context.Background(), "api_keys", orm.And(
			orm.Eq("name", "deploy"),
			orm.Eq("is_active", true),
		))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestAuthenticateAPIKey(t *testing.T) {
	t.Parallel()

	t.Run("valid key resolves the owner and scopes", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{})
		subjectID, tok := login(t, eng, store)
		created := exec(t, eng, "create-api-key", plugin.Input{
			"token": tok, "name": "ci", "scopes": []string{"read"},
		})

		res := exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": created.GetString("api_key")})
		require.True(t, res.Success)
		assert.Equal(t, subjectID, res.Subject["id"])
		scopes, _ := res.Get("scopes")
		assert.Equal(t, []string{"read"}, scopes)
	})

	t.Run("unknown and revoked keys are indistinguishable", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{})
		_, tok := login(t, eng, store)
		created := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "ci"})
		keyID := created.GetMap("key")["id"].(string)

		require.True(t, exec(t, eng, "revoke-api-key", plugin.Input{"token": tok, "key_id": keyID}).Success)

		revoked := exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": created.GetString("api_key")})
		unknown := exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": "sk_nope"})
		assert.Equal(t, plugin.StatusInvalidCredentials, revoked.Status)
		assert.Equal(t, plugin.StatusInvalidCredentials, unknown.Status)
		assert.Equal(t, revoked.Message, unknown.Message)
	})

	t.Run("expired key", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{DefaultTTL: time.Hour})
		_, tok := login(t, eng, store)
		created := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "ci"})

		_, err := store.UpdateMany(context.Background(), "api_keys", orm.NotNull("key_hash"),
			orm.Record{"expires_at": time.Now()})
		require.NoError(t, err)

		res := exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": created.GetString("api_key")})
		assert.Equal(t, plugin.StatusExpired, res.Status)
	})

	t.Run("usage tracking is throttled", func(t *testing.T) {
		t.Parallel()

		eng, store := newEngine(t, apikey.Config{TrackUsage: true, UsageInterval: time.Hour})
		_, tok := login(t, eng, store)
		created := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "ci"})

		require.True(t, exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": created.GetString("api_key")}).Success)
		rec, err := store.FindFirst(context.Background(), "api_keys", orm.Query{})
		require.NoError(t, err)
		first := rec.Time("last_used_at")
		require.False(t, first.IsZero())

		// A second call within the interval leaves the timestamp alone.
		require.True(t, exec(t, eng, "authenticate-api-key", plugin.Input{"api_key": created.GetString("api_key")}).Success)
		rec, err = store.FindFirst(context.Background(), "api_keys", orm.Query{})
		require.NoError(t, err)
		assert.True(t, rec.Time("last_used_at").Equal(first))

		// The throttle bounds the usage log too.
		n, err := store.Count(context.Background(), "api_key_usage", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestVerifyScopes(t *testing.T) {
	t.Parallel()

	eng, store := newEngine(t, apikey.Config{})
	subjectID, tok := login(t, eng, store)
	created := exec(t, eng, "create-api-key", plugin.Input{
		"token": tok, "name": "ci", "scopes": []string{"read", "write"},
	})
	raw := created.GetString("api_key")

	t.Run("granted superset passes", func(t *testing.T) {
		res := exec(t, eng, "verify-scopes", plugin.Input{
			"api_key": raw, "required_scopes": []string{"read"},
		})
		require.True(t, res.Success)
		assert.Equal(t, subjectID, res.Subject["id"])
	})

	t.Run("missing scope is forbidden", func(t *testing.T) {
		res := exec(t, eng, "verify-scopes", plugin.Input{
			"api_key": raw, "required_scopes": []string{"read", "admin"},
		})
		assert.Equal(t, plugin.StatusForbidden, res.Status)
	})

	t.Run("no requirements means authentication only", func(t *testing.T) {
		res := exec(t, eng, "verify-scopes", plugin.Input{"api_key": raw})
		assert.True(t, res.Success)
	})

	t.Run("invalid key fails before scope checks", func(t *testing.T) {
		res := exec(t, eng, "verify-scopes", plugin.Input{
			"api_key": "sk_nope", "required_scopes": []string{"read"},
		})
		assert.Equal(t, plugin.StatusInvalidCredentials, res.Status)
	})
}

func TestOwnerScoping(t *testing.T) {
	t.Parallel()

	eng, store := newEngine(t, apikey.Config{})
	_, alice := login(t, eng, store)
	_, mallory := login(t, eng, store)

	created := exec(t, eng, "create-api-key", plugin.Input{"token": alice, "name": "ci"})
	keyID := created.GetMap("key")["id"].(string)

	res := exec(t, eng, "revoke-api-key", plugin.Input{"token": mallory, "key_id": keyID})
	assert.Equal(t, plugin.StatusNotFound, res.Status)

	res = exec(t, eng, "update-api-key", plugin.Input{"token": mallory, "key_id": keyID, "name": "mine"})
	assert.Equal(t, plugin.StatusNotFound, res.Status)

	listed := exec(t, eng, "list-api-keys", plugin.Input{"token": mallory})
	keys, _ := listed.Get("keys")
	assert.Empty(t, keys)
}

func TestUpdateAPIKey(t *testing.T) {
	t.Parallel()

	eng, store := newEngine(t, apikey.Config{AllowedScopes: []string{"read", "write"}})
	_, tok := login(t, eng, store)

	created := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "ci", "scopes": []string{"read"}})
	keyID := created.GetMap("key")["id"].(string)
	require.True(t, exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "deploy"}).Success)

	res := exec(t, eng, "update-api-key", plugin.Input{
		"token": tok, "key_id": keyID, "name": "release", "scopes": []string{"read", "write"},
	})
	require.True(t, res.Success)
	key := res.GetMap("key")
	assert.Equal(t, "release", key["name"])
	assert.Equal(t, []string{"read", "write"}, key["scopes"])

	// Renaming onto another active key's name conflicts.
	clash := exec(t, eng, "update-api-key", plugin.Input{"token": tok, "key_id": keyID, "name": "deploy"})
	assert.Equal(t, plugin.StatusConflict, clash.Status)

	bad := exec(t, eng, "update-api-key", plugin.Input{"token": tok, "key_id": keyID, "scopes": []string{"admin"}})
	assert.Equal(t, plugin.StatusValidation, bad.Status)
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	eng, store := newEngine(t, apikey.Config{
		Cleanup: apikey.CleanupConfig{Enabled: true, Retention: time.Hour},
	})
	ctx := context.Background()
	_, tok := login(t, eng, store)

	created := exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "old"})
	keyID := created.GetMap("key")["id"].(string)
	require.True(t, exec(t, eng, "revoke-api-key", plugin.Input{"token": tok, "key_id": keyID}).Success)
	require.True(t, exec(t, eng, "create-api-key", plugin.Input{"token": tok, "name": "fresh"}).Success)

	// Push the revocation past the retention window and plant a stale usage
	// record alongside it.
	_, err := store.UpdateMany(ctx, "api_keys", orm.Eq("id", keyID),
		orm.Record{"revoked_at": time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = store.Create(ctx, "api_key_usage", orm.Record{
		"key_id": keyID, "used_at": time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	// An expiry inside the retention window deactivates without deleting.
	_, err = store.UpdateMany(ctx, "api_keys", orm.Eq("name", "fresh"),
		orm.Record{"expires_at": time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	report, err := eng.Cleanup().RunOnce(ctx, "api-key.keys")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Cleaned)

	n, err := store.Count(ctx, "api_keys", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	kept, err := store.FindFirst(ctx, "api_keys", orm.Where(orm.Eq("name", "fresh")))
	require.NoError(t, err)
	assert.False(t, kept.Bool("is_active"))
}
