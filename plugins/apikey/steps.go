package apikey

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/token"
)

var (
	errKeyQuota     = errors.New("api key quota reached")
	errKeyNameTaken = errors.New("api key name taken")
)

// Steps implements plugin.Plugin.
func (pl *Plugin) Steps() []plugin.Step {
	return []plugin.Step{
		{
			Name:   "create-api-key",
			Inputs: []string{"token", "name", "scopes", "expires_in"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("name", schema.Required(), schema.String(), schema.MinLen(1), schema.MaxLen(100)),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusCreated:      201,
				plugin.StatusUnauthorized: 401,
				plugin.StatusValidation:   422,
				plugin.StatusConflict:     409,
				plugin.StatusRateLimited:  429,
			}},
			Run: pl.create,
		},
		{
			Name:   "authenticate-api-key",
			Inputs: []string{"api_key"},
			Validate: schema.New().
				Field("api_key", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                 200,
				plugin.StatusInvalidCredentials: 401,
				plugin.StatusExpired:            401,
			}},
			Run: pl.authenticate,
		},
		{
			Name:   "verify-scopes",
			Inputs: []string{"api_key", "required_scopes"},
			Validate: schema.New().
				Field("api_key", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                 200,
				plugin.StatusInvalidCredentials: 401,
				plugin.StatusExpired:            401,
				plugin.StatusForbidden:          403,
				plugin.StatusValidation:         422,
			}},
			Run: pl.verifyScopes,
		},
		{
			Name:   "list-api-keys",
			Inputs: []string{"token"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "GET", Codes: map[string]int{
				plugin.StatusOK:           200,
				plugin.StatusUnauthorized: 401,
			}},
			Run: pl.list,
		},
		{
			Name:   "update-api-key",
			Inputs: []string{"token", "key_id", "name", "scopes"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("key_id", schema.Required(), schema.String()).
				Field("name", schema.String(), schema.MaxLen(100)),
			HTTP: plugin.HTTPAdvice{Method: "PATCH", Codes: map[string]int{
				plugin.StatusOK:           200,
				plugin.StatusUnauthorized: 401,
				plugin.StatusNotFound:     404,
				plugin.StatusValidation:   422,
				plugin.StatusConflict:     409,
			}},
			Run: pl.update,
		},
		{
			Name:   "revoke-api-key",
			Inputs: []string{"token", "key_id"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("key_id", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:           200,
				plugin.StatusUnauthorized: 401,
				plugin.StatusNotFound:     404,
			}},
			Run: pl.revoke,
		},
	}
}

func (pl *Plugin) create(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	subjectID, failed, err := owner(ctx, input.String("token"))
	if failed != nil || err != nil {
		return failed, err
	}

	scopes, err := inputScopes(input)
	if err != nil {
		return plugin.Fail(plugin.StatusValidation, "Invalid scopes").WithError(err.Error()), nil
	}
	if bad, ok := pl.cfg.scopesAllowed(scopes); !ok {
		return plugin.Fail(plugin.StatusValidation,
			fmt.Sprintf("Scope %q is not allowed", bad)), nil
	}

	random, err := token.OpaqueN(pl.cfg.KeyBytes)
	if err != nil {
		return nil, err
	}
	raw := pl.cfg.Prefix + random

	now := time.Now()
	rec := orm.Record{
		"subject_id": subjectID,
		"name":       input.String("name"),
		"key_hash":   hash.Code(raw),
		"prefix":     pl.cfg.Prefix,
		"scopes":     scopes,
		"is_active":  true,
		"created_at": now,
		"updated_at": now,
	}
	if pl.cfg.DefaultTTL > 0 {
		rec["expires_at"] = now.Add(pl.cfg.DefaultTTL)
	}

	// Quota and name checks run in the same transaction as the insert so
	// concurrent creates cannot slip past either limit.
	var stored orm.Record
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		active, err := tx.Count(ctx, apiKeysTable, orm.And(
			orm.Eq("subject_id", subjectID),
			orm.Eq("is_active", true),
		))
		if err != nil {
			return err
		}
		if active >= int64(pl.cfg.MaxKeysPerUser) {
			return errKeyQuota
		}

		_, err = tx.FindFirst(ctx, apiKeysTable, orm.Where(orm.And(
			orm.Eq("subject_id", subjectID),
			orm.Eq("name", rec["name"]),
			orm.Eq("is_active", true),
		)))
		if err == nil {
			return errKeyNameTaken
		}
		if !errors.Is(err, orm.ErrNotFound) {
			return err
		}

		stored, err = tx.Create(ctx, apiKeysTable, rec)
		return err
	})
	if errors.Is(err, errKeyQuota) {
		return plugin.Fail(plugin.StatusRateLimited, "API key limit reached"), nil
	}
	if errors.Is(err, errKeyNameTaken) {
		return plugin.Fail(plugin.StatusConflict, "An active key with this name already exists"), nil
	}
	if err != nil {
		return nil, err
	}

	// The raw key crosses the boundary exactly once; only its hash survives.
	return plugin.OK(plugin.StatusCreated, "API key created").
		Set("api_key", raw).
		Set("key", sanitizeKey(stored)), nil
}

// liveKey resolves a raw key to its active, unexpired record and records
// usage. Revoked and unknown keys produce the same failure.
func (pl *Plugin) liveKey(ctx *plugin.Context, raw string) (orm.Record, *plugin.Result, error) {
	rec, err := ctx.ORM.FindFirst(ctx, apiKeysTable, orm.Where(orm.Eq("key_hash", hash.Code(raw))))
	if errors.Is(err, orm.ErrNotFound) {
		return nil, plugin.Fail(plugin.StatusInvalidCredentials, "Invalid API key"), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !rec.Bool("is_active") {
		return nil, plugin.Fail(plugin.StatusInvalidCredentials, "Invalid API key"), nil
	}
	now := time.Now()
	if exp := rec.Time("expires_at"); !exp.IsZero() && !now.Before(exp) {
		return nil, plugin.Fail(plugin.StatusExpired, "API key has expired"), nil
	}

	if pl.cfg.TrackUsage {
		// Throttled so hot keys do not turn every request into a write.
		if last := rec.Time("last_used_at"); last.IsZero() || now.Sub(last) >= pl.cfg.UsageInterval {
			if _, err := ctx.ORM.UpdateMany(ctx, apiKeysTable,
				orm.Eq("id", rec.String("id")),
				orm.Record{"last_used_at": now},
			); err != nil {
				return nil, nil, err
			}
			if _, err := ctx.ORM.Create(ctx, keyUsageTable, orm.Record{
				"key_id":     rec.String("id"),
				"subject_id": rec.String("subject_id"),
				"used_at":    now,
			}); err != nil {
				return nil, nil, err
			}
		}
	}
	return rec, nil, nil
}

func (pl *Plugin) authenticate(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	rec, failed, err := pl.liveKey(ctx, input.String("api_key"))
	if failed != nil || err != nil {
		return failed, err
	}

	return plugin.OK(plugin.StatusOK, "Authenticated").
		WithSubject(map[string]any{"id": rec.String("subject_id")}).
		Set("scopes", scopesOf(rec)).
		Set("key_id", rec.String("id")), nil
}

func (pl *Plugin) verifyScopes(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	rec, failed, err := pl.liveKey(ctx, input.String("api_key"))
	if failed != nil || err != nil {
		return failed, err
	}

	required, err := scopeList(input, "required_scopes")
	if err != nil {
		return plugin.Fail(plugin.StatusValidation, "Invalid required_scopes").WithError(err.Error()), nil
	}
	granted := scopesOf(rec)
	for _, s := range required {
		if !slices.Contains(granted, s) {
			return plugin.Fail(plugin.StatusForbidden,
				fmt.Sprintf("API key lacks scope %q", s)), nil
		}
	}

	return plugin.OK(plugin.StatusOK, "Authorized").
		WithSubject(map[string]any{"id": rec.String("subject_id")}).
		Set("scopes", granted).
		Set("key_id", rec.String("id")), nil
}

func (pl *Plugin) list(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	subjectID, failed, err := owner(ctx, input.String("token"))
	if failed != nil || err != nil {
		return failed, err
	}

	recs, err := ctx.ORM.FindMany(ctx, apiKeysTable, orm.Query{
		Where:   orm.Eq("subject_id", subjectID),
		OrderBy: []orm.Order{{Field: "created_at", Desc: true}},
	})
	if err != nil {
		return nil, err
	}

	keys := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, sanitizeKey(rec))
	}
	return plugin.OK(plugin.StatusOK, "API keys").Set("keys", keys), nil
}

// ownedKey loads a key by id scoped to its owner. Missing and foreign keys
// are indistinguishable to the caller.
func ownedKey(ctx *plugin.Context, subjectID, keyID string) (orm.Record, *plugin.Result, error) {
	rec, err := ctx.ORM.FindFirst(ctx, apiKeysTable, orm.Where(orm.And(
		orm.Eq("id", keyID),
		orm.Eq("subject_id", subjectID),
	)))
	if errors.Is(err, orm.ErrNotFound) {
		return nil, plugin.Fail(plugin.StatusNotFound, "API key not found"), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}

func (pl *Plugin) update(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	subjectID, failed, err := owner(ctx, input.String("token"))
	if failed != nil || err != nil {
		return failed, err
	}
	rec, failed, err := ownedKey(ctx, subjectID, input.String("key_id"))
	if failed != nil || err != nil {
		return failed, err
	}

	set := orm.Record{"updated_at": time.Now()}
	if name := input.String("name"); name != "" && name != rec.String("name") {
		_, err := ctx.ORM.FindFirst(ctx, apiKeysTable, orm.Where(orm.And(
			orm.Eq("subject_id", subjectID),
			orm.Eq("name", name),
			orm.Eq("is_active", true),
		)))
		if err == nil {
			return plugin.Fail(plugin.StatusConflict, "An active key with this name already exists"), nil
		}
		if !errors.Is(err, orm.ErrNotFound) {
			return nil, err
		}
		set["name"] = name
	}
	if _, present := input["scopes"]; present {
		scopes, err := inputScopes(input)
		if err != nil {
			return plugin.Fail(plugin.StatusValidation, "Invalid scopes").WithError(err.Error()), nil
		}
		if bad, ok := pl.cfg.scopesAllowed(scopes); !ok {
			return plugin.Fail(plugin.StatusValidation,
				fmt.Sprintf("Scope %q is not allowed", bad)), nil
		}
		set["scopes"] = scopes
	}

	if _, err := ctx.ORM.UpdateMany(ctx, apiKeysTable, orm.Eq("id", rec.String("id")), set); err != nil {
		return nil, err
	}
	updated, err := ctx.ORM.FindFirst(ctx, apiKeysTable, orm.Where(orm.Eq("id", rec.String("id"))))
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "API key updated").Set("key", sanitizeKey(updated)), nil
}

func (pl *Plugin) revoke(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	subjectID, failed, err := owner(ctx, input.String("token"))
	if failed != nil || err != nil {
		return failed, err
	}
	rec, failed, err := ownedKey(ctx, subjectID, input.String("key_id"))
	if failed != nil || err != nil {
		return failed, err
	}

	// Soft delete: the row stays for auditing until cleanup retention passes.
	now := time.Now()
	if _, err := ctx.ORM.UpdateMany(ctx, apiKeysTable,
		orm.Eq("id", rec.String("id")),
		orm.Record{"is_active": false, "revoked_at": now, "updated_at": now},
	); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "API key revoked"), nil
}
