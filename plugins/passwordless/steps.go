package passwordless

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/token"
	"github.com/dmitrymomot/authkit/pkg/randcode"
)

const genericSent = "If the account exists, a sign-in message has been sent"

// Steps implements plugin.Plugin. Only the steps of enabled methods are
// exposed; a disabled method's steps are unknown to the engine.
func (pl *Plugin) Steps() []plugin.Step {
	var steps []plugin.Step

	if pl.cfg.MagicLinks {
		steps = append(steps,
			plugin.Step{
				Name:   "send-magic-link",
				Inputs: []string{"email"},
				Validate: schema.New().
					Field("email", schema.Required(), schema.String(), schema.Email()),
				HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
					plugin.StatusOK: 200,
				}},
				Run: pl.sendMagicLink,
			},
			plugin.Step{
				Name:   "verify-magic-link",
				Inputs: []string{"token"},
				Validate: schema.New().
					Field("token", schema.Required(), schema.String()),
				HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
					plugin.StatusOK:      200,
					plugin.StatusExpired: 400,
				}},
				Run: pl.verifyMagicLink,
			},
		)
	}

	if pl.cfg.VerificationCodes {
		steps = append(steps,
			plugin.Step{
				Name:   "send-code",
				Inputs: []string{"destination", "destination_type", "purpose"},
				Validate: schema.New().
					Field("destination", schema.Required(), schema.String()).
					Field("destination_type", schema.Required(), schema.String(),
						schema.OneOf(DestEmail, DestPhone, DestWhatsApp)).
					Field("purpose", schema.Required(), schema.String(),
						schema.OneOf(PurposeLogin, PurposeRegister, PurposeVerify)),
				HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
					plugin.StatusOK:       200,
					plugin.StatusConflict: 409,
				}},
				Run: pl.sendCode,
			},
			plugin.Step{
				Name:   "verify-code",
				Inputs: []string{"destination", "destination_type", "purpose", "code"},
				Validate: schema.New().
					Field("destination", schema.Required(), schema.String()).
					Field("destination_type", schema.Required(), schema.String(),
						schema.OneOf(DestEmail, DestPhone, DestWhatsApp)).
					Field("purpose", schema.Required(), schema.String(),
						schema.OneOf(PurposeLogin, PurposeRegister, PurposeVerify)).
					Field("code", schema.Required(), schema.String()),
				HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
					plugin.StatusOK:                 200,
					plugin.StatusCreated:            201,
					plugin.StatusInvalidCredentials: 401,
					plugin.StatusExpired:            400,
					plugin.StatusRateLimited:        429,
					plugin.StatusConflict:           409,
				}},
				Run: pl.verifyCode,
			},
		)
	}

	return steps
}

func (pl *Plugin) sendMagicLink(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := normalize(input.String("email"))

	identity, err := pl.identity(ctx, DestEmail, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		// Unknown identities get the same response and no delivery.
		return plugin.OK(plugin.StatusOK, genericSent), nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := token.OpaqueN(16)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := ctx.ORM.Create(ctx, magicLinksTable, orm.Record{
		"subject_id": identity.String("subject_id"),
		"token_hash": hash.Code(raw),
		"identifier": identifier,
		"expires_at": now.Add(pl.cfg.MagicLinkTTL),
		"used_at":    nil,
		"created_at": now,
	}); err != nil {
		return nil, err
	}

	if err := plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		return pl.cfg.SendMagicLink(cctx, identifier, raw)
	}); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, genericSent), nil
}

func (pl *Plugin) verifyMagicLink(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	raw := input.String("token")
	now := time.Now()

	link, err := ctx.ORM.FindFirst(ctx, magicLinksTable, orm.Where(orm.And(
		orm.Eq("token_hash", hash.Code(raw)),
		orm.IsNull("used_at"),
		orm.Gt("expires_at", now),
	)))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired link"), nil
	}
	if err != nil {
		return nil, err
	}

	// used_at is set atomically with consumption; a concurrent verify of the
	// same link loses the race inside the transaction.
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		n, err := tx.UpdateMany(ctx, magicLinksTable, orm.And(
			orm.Eq("id", link.String("id")),
			orm.IsNull("used_at"),
		), orm.Record{"used_at": now})
		if err != nil {
			return err
		}
		if n == 0 {
			return errAlreadyUsed
		}
		return nil
	})
	if errors.Is(err, errAlreadyUsed) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired link"), nil
	}
	if err != nil {
		return nil, err
	}

	identity, err := pl.identity(ctx, DestEmail, link.String("identifier"))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired link"), nil
	}
	if err != nil {
		return nil, err
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, link.String("subject_id"), pl.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Logged in").WithToken(tok).WithSubject(sanitize(identity)), nil
}

var (
	errAlreadyUsed    = errors.New("artifact already consumed")
	errIdentityExists = errors.New("identity already exists")
)

func (pl *Plugin) sendCode(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	destination := normalize(input.String("destination"))
	destinationType := input.String("destination_type")
	purpose := input.String("purpose")
	prov := provider(destinationType)

	identity, err := pl.identity(ctx, prov, destination)
	exists := err == nil
	if err != nil && !errors.Is(err, orm.ErrNotFound) {
		return nil, err
	}

	switch purpose {
	case PurposeLogin, PurposeVerify:
		if !exists {
			// Anti-enumeration: same response, nothing delivered.
			return plugin.OK(plugin.StatusOK, genericSent), nil
		}
	case PurposeRegister:
		if exists {
			return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
		}
	}

	alphabet, err := randcode.Parse(pl.cfg.CodeKind)
	if err != nil {
		return nil, err
	}
	code, err := randcode.Generate(alphabet, pl.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := orm.Record{
		"code_hash":        hash.Code(code),
		"destination":      destination,
		"destination_type": destinationType,
		"purpose":          purpose,
		"expires_at":       now.Add(pl.cfg.CodeTTL),
		"used_at":          nil,
		"attempts":         int64(0),
		"max_attempts":     int64(pl.cfg.MaxAttempts),
		"created_at":       now,
	}
	if exists {
		rec["subject_id"] = identity.String("subject_id")
	}
	if _, err := ctx.ORM.Create(ctx, verificationCodesTable, rec); err != nil {
		return nil, err
	}

	if err := plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		return pl.cfg.SendCode(cctx, destinationType, destination, code)
	}); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, genericSent), nil
}

func (pl *Plugin) verifyCode(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	destination := normalize(input.String("destination"))
	destinationType := input.String("destination_type")
	purpose := input.String("purpose")
	code := input.String("code")
	now := time.Now()

	rec, err := ctx.ORM.FindFirst(ctx, verificationCodesTable, orm.Query{
		Where: orm.And(
			orm.Eq("destination", destination),
			orm.Eq("destination_type", destinationType),
			orm.Eq("purpose", purpose),
			orm.IsNull("used_at"),
			orm.Gt("expires_at", now),
		),
		OrderBy: []orm.Order{{Field: "created_at", Desc: true}},
	})
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	if rec.Int("attempts") >= rec.Int("max_attempts") {
		return plugin.Fail(plugin.StatusRateLimited, "Too many attempts"), nil
	}

	if !hash.VerifyCode(code, rec.String("code_hash")) {
		// The attempt counter survives the failed verify.
		if _, err := ctx.ORM.UpdateMany(ctx, verificationCodesTable,
			orm.Eq("id", rec.String("id")),
			orm.Record{"attempts": rec.Int("attempts") + 1},
		); err != nil {
			return nil, err
		}
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid or expired code"), nil
	}

	switch purpose {
	case PurposeLogin:
		return pl.completeLogin(ctx, rec, destinationType, destination, now)
	case PurposeRegister:
		return pl.completeRegister(ctx, rec, destinationType, destination, now)
	default:
		return pl.completeVerify(ctx, rec, destinationType, destination, now)
	}
}

func (pl *Plugin) consume(ctx *plugin.Context, tx orm.ORM, rec orm.Record, now time.Time) error {
	n, err := tx.UpdateMany(ctx, verificationCodesTable, orm.And(
		orm.Eq("id", rec.String("id")),
		orm.IsNull("used_at"),
	), orm.Record{"used_at": now})
	if err != nil {
		return err
	}
	if n == 0 {
		return errAlreadyUsed
	}
	return nil
}

func (pl *Plugin) completeLogin(ctx *plugin.Context, rec orm.Record, destinationType, destination string, now time.Time) (*plugin.Result, error) {
	identity, err := pl.identity(ctx, provider(destinationType), destination)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		return pl.consume(ctx, tx, rec, now)
	})
	if errors.Is(err, errAlreadyUsed) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Logged in").WithToken(tok).WithSubject(sanitize(identity)), nil
}

func (pl *Plugin) completeRegister(ctx *plugin.Context, rec orm.Record, destinationType, destination string, now time.Time) (*plugin.Result, error) {
	prov := provider(destinationType)
	if _, err := pl.identity(ctx, prov, destination); err == nil {
		return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
	} else if !errors.Is(err, orm.ErrNotFound) {
		return nil, err
	}

	var identity orm.Record
	err := ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if err := pl.consume(ctx, tx, rec, now); err != nil {
			return err
		}
		// Re-checked under the transaction: two register codes for the same
		// destination must not both provision an identity.
		if _, err := tx.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
			orm.Eq("provider", prov),
			orm.Eq("identifier", destination),
		))); err == nil {
			return errIdentityExists
		} else if !errors.Is(err, orm.ErrNotFound) {
			return err
		}
		subject, err := tx.Create(ctx, subjectsTable, orm.Record{"created_at": now})
		if err != nil {
			return err
		}
		identity, err = tx.Create(ctx, identitiesTable, orm.Record{
			"subject_id": subject.String("id"),
			"provider":   prov,
			"identifier": destination,
			"verified":   true,
			"created_at": now,
			"updated_at": now,
		})
		return err
	})
	if errors.Is(err, errAlreadyUsed) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if errors.Is(err, errIdentityExists) {
		return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
	}
	if err != nil {
		return nil, err
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusCreated, "Registered").WithToken(tok).WithSubject(sanitize(identity)), nil
}

func (pl *Plugin) completeVerify(ctx *plugin.Context, rec orm.Record, destinationType, destination string, now time.Time) (*plugin.Result, error) {
	identity, err := pl.identity(ctx, provider(destinationType), destination)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if err := pl.consume(ctx, tx, rec, now); err != nil {
			return err
		}
		_, err := tx.UpdateMany(ctx, identitiesTable,
			orm.Eq("id", identity.String("id")),
			orm.Record{"verified": true, "updated_at": now},
		)
		return err
	})
	if errors.Is(err, errAlreadyUsed) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	identity["verified"] = true
	return plugin.OK(plugin.StatusOK, "Verified").WithSubject(sanitize(identity)), nil
}
