package anonymous

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/pkg/fingerprint"
)

// Steps implements plugin.Plugin.
func (pl *Plugin) Steps() []plugin.Step {
	return []plugin.Step{
		{
			Name:   "create-guest",
			Inputs: []string{"fingerprint", "user_agent", "accept_language", "ip", "metadata"},
			Validate: schema.New().
				Field("fingerprint", schema.String()).
				Field("user_agent", schema.String()).
				Field("accept_language", schema.String()).
				Field("ip", schema.String()).
				Field("metadata", schema.Map()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusCreated:     201,
				plugin.StatusRateLimited: 429,
				plugin.StatusValidation:  422,
			}},
			Run: pl.createGuest,
		},
		{
			Name:   "extend-guest",
			Inputs: []string{"token"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:           200,
				plugin.StatusUnauthorized: 401,
				plugin.StatusForbidden:    403,
				plugin.StatusRateLimited:  429,
			}},
			Run: pl.extendGuest,
		},
		{
			Name:   "convert-guest",
			Inputs: []string{"token", "target_plugin", "conversion_data"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("target_plugin", schema.Required(), schema.String()).
				Field("conversion_data", schema.Map()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:           200,
				plugin.StatusCreated:      201,
				plugin.StatusUnauthorized: 401,
				plugin.StatusForbidden:    403,
				plugin.StatusValidation:   422,
			}},
			Run: pl.convertGuest,
		},
		{
			Name:   "logout-guest",
			Inputs: []string{"token"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK: 200,
			}},
			Run: pl.logoutGuest,
		},
	}
}

// fingerprintHash derives the stored fingerprint. A client-provided raw
// fingerprint is hashed as-is; otherwise one is generated from the request
// signals. The raw value never reaches the store.
func (pl *Plugin) fingerprintHash(input plugin.Input) (string, error) {
	if raw := input.String("fingerprint"); raw != "" {
		return fingerprint.Hash(raw), nil
	}

	sig := fingerprint.Signals{
		UserAgent:      input.String("user_agent"),
		AcceptLanguage: input.String("accept_language"),
		IP:             input.String("ip"),
	}
	if sig.UserAgent == "" && sig.AcceptLanguage == "" && sig.IP == "" {
		if pl.cfg.FingerprintRequired {
			return "", errFingerprintRequired
		}
		return "", nil
	}
	if sig.IP != "" {
		return fingerprint.Generate(sig, fingerprint.WithIP()), nil
	}
	return fingerprint.Generate(sig), nil
}

var (
	errFingerprintRequired = errors.New("fingerprint required")
	errGuestQuota          = errors.New("guest quota reached")
)

func (pl *Plugin) createGuest(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	fpHash, err := pl.fingerprintHash(input)
	if errors.Is(err, errFingerprintRequired) {
		return plugin.Fail(plugin.StatusValidation, "A device fingerprint is required"), nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var subject orm.Record
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		// Counting inside the transaction keeps the quota exact under
		// concurrent create-guest calls for the same device.
		if fpHash != "" {
			active, err := tx.Count(ctx, anonymousSessionsTable, orm.And(
				orm.Eq("fingerprint_hash", fpHash),
				orm.Gt("expires_at", now),
			))
			if err != nil {
				return err
			}
			if active >= int64(pl.cfg.MaxGuestsPerFingerprint) {
				return errGuestQuota
			}
		}

		subject, err = tx.Create(ctx, subjectsTable, orm.Record{
			"kind":       plugin.KindGuest,
			"created_at": now,
		})
		if err != nil {
			return err
		}
		_, err = tx.Create(ctx, anonymousSessionsTable, orm.Record{
			"subject_id":       subject.String("id"),
			"fingerprint_hash": fpHash,
			"expires_at":       now.Add(pl.cfg.GuestTTL),
			"extension_count":  int64(0),
			"metadata":         input.Map("metadata"),
			"created_at":       now,
			"updated_at":       now,
		})
		return err
	})
	if errors.Is(err, errGuestQuota) {
		return plugin.Fail(plugin.StatusRateLimited, "Too many guest sessions for this device"), nil
	}
	if err != nil {
		return nil, err
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindGuest, subject.String("id"), pl.sessionTTL())
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusCreated, "Guest session created").
		WithToken(tok).
		WithSubject(guestResolver{}.Sanitize(subject)), nil
}

// sessionTTL caps the bearer session at the guest record's lifetime.
func (pl *Plugin) sessionTTL() time.Duration {
	if pl.cfg.SessionTTL > 0 && pl.cfg.SessionTTL < pl.cfg.GuestTTL {
		return pl.cfg.SessionTTL
	}
	return pl.cfg.GuestTTL
}

func (pl *Plugin) extendGuest(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	if !pl.cfg.AllowExtension {
		return plugin.Fail(plugin.StatusForbidden, "Session extension is disabled"), nil
	}

	raw := input.String("token")
	chk, err := ctx.Engine.CheckSession(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !chk.Valid || chk.Kind != plugin.KindGuest {
		return plugin.Fail(plugin.StatusUnauthorized, "A valid guest session is required"), nil
	}

	rec, err := pl.guest(ctx, chk.SubjectID)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusUnauthorized, "A valid guest session is required"), nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Int("extension_count") >= int64(pl.cfg.MaxExtensions) {
		return plugin.Fail(plugin.StatusRateLimited, "Extension limit reached"), nil
	}

	now := time.Now()
	if _, err := ctx.ORM.UpdateMany(ctx, anonymousSessionsTable,
		orm.Eq("id", rec.String("id")),
		orm.Record{
			"expires_at":      now.Add(pl.cfg.GuestTTL),
			"extension_count": rec.Int("extension_count") + 1,
			"updated_at":      now,
		},
	); err != nil {
		return nil, err
	}

	if err := ctx.Engine.DestroySession(ctx, raw); err != nil {
		return nil, err
	}
	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindGuest, chk.SubjectID, pl.sessionTTL())
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Guest session extended").
		WithToken(tok).
		WithSubject(chk.Subject), nil
}

func (pl *Plugin) convertGuest(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	raw := input.String("token")
	chk, err := ctx.Engine.CheckSession(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !chk.Valid || chk.Kind != plugin.KindGuest {
		return plugin.Fail(plugin.StatusUnauthorized, "A valid guest session is required"), nil
	}

	targetPlugin := input.String("target_plugin")
	target, ok := pl.cfg.ConversionTargets[targetPlugin]
	if !ok || !slices.Contains(pl.cfg.AllowedConversionPlugins, targetPlugin) {
		return plugin.Fail(plugin.StatusForbidden,
			fmt.Sprintf("Conversion via %q is not allowed", targetPlugin)), nil
	}

	data := input.Map("conversion_data")
	if target.Validate != nil {
		if err := target.Validate.Validate(data); err != nil {
			return plugin.Fail(plugin.StatusValidation, "Conversion data is invalid").
				WithError(err.Error()), nil
		}
	}

	mapped := plugin.Input(data)
	if target.MapInput != nil {
		mapped = target.MapInput(data)
	}

	// The target runs through the full pipeline. On any failure the guest is
	// left untouched and its session stays usable.
	res, err := ctx.Engine.ExecuteStep(ctx, targetPlugin, target.Step, mapped)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	subjectID, tok := extractSubject(res)
	if target.Extract != nil {
		subjectID, tok = target.Extract(res)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("conversion target %s.%s returned no subject id", targetPlugin, target.Step)
	}

	guestID := chk.SubjectID
	if err := ctx.Engine.DestroySession(ctx, raw); err != nil {
		return nil, err
	}
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if _, err := tx.DeleteMany(ctx, anonymousSessionsTable, orm.Eq("subject_id", guestID)); err != nil {
			return err
		}
		if _, err := tx.DeleteMany(ctx, sessionsTable, orm.And(
			orm.Eq("subject_kind", plugin.KindGuest),
			orm.Eq("subject_id", guestID),
		)); err != nil {
			return err
		}
		_, err := tx.DeleteMany(ctx, subjectsTable, orm.And(
			orm.Eq("id", guestID),
			orm.Eq("kind", plugin.KindGuest),
		))
		return err
	})
	if err != nil {
		return nil, err
	}

	if tok == "" {
		tok, err = ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, subjectID, pl.cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
	}

	subject := res.Subject
	if subject == nil {
		subject = map[string]any{"id": subjectID}
	}
	return plugin.OK(res.Status, "Guest converted").
		WithToken(tok).
		WithSubject(subject), nil
}

// extractSubject is the default result mapping for conversion targets.
func extractSubject(res *plugin.Result) (subjectID, token string) {
	if res.Subject != nil {
		subjectID, _ = res.Subject["id"].(string)
	}
	return subjectID, res.Token
}

func (pl *Plugin) logoutGuest(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	if err := ctx.Engine.DestroySession(ctx, input.String("token")); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Logged out"), nil
}
