package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/pkg/randcode"
)

// genericSent is returned by send steps regardless of whether the identifier
// exists, to prevent account enumeration.
const genericSent = "If the account exists, a code has been sent"

var errIdentityExists = errors.New("identity already exists")

// invalidLogin is the uniform login failure, identical for unknown
// identifiers and wrong passwords.
func (pl *Plugin) invalidLogin() *plugin.Result {
	return plugin.Fail(plugin.StatusInvalidCredentials,
		fmt.Sprintf("Invalid %s or password", pl.p.Field))
}

// Steps implements plugin.Plugin.
func (pl *Plugin) Steps() []plugin.Step {
	field := pl.p.Field
	newField := "new_" + field

	return []plugin.Step{
		{
			Name:   "register",
			Inputs: []string{field, "password", "others"},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule).
				Field("password", schema.Required(), schema.String(), schema.MinLen(8), schema.MaxLen(128)).
				Field("others", schema.Map()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusCreated:          201,
				plugin.StatusConflict:         409,
				plugin.StatusBreachedPassword: 422,
			}},
			Run: pl.register,
		},
		{
			Name:   "login",
			Inputs: []string{field, "password"},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule).
				Field("password", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                   200,
				plugin.StatusInvalidCredentials:   401,
				plugin.StatusVerificationRequired: 403,
			}},
			Run: pl.login,
		},
		{
			Name:   "verify-" + field,
			Inputs: []string{field, "code"},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule).
				Field("code", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:      200,
				plugin.StatusExpired: 400,
			}},
			Run: pl.verify,
		},
		{
			Name:   "send-verify-" + field,
			Inputs: []string{field},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK: 200,
			}},
			Run: pl.sendVerify,
		},
		{
			Name:   "send-reset-password",
			Inputs: []string{field},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK: 200,
			}},
			Run: pl.sendReset,
		},
		{
			Name:   "reset-password",
			Inputs: []string{field, "code", "password"},
			Validate: schema.New().
				Field(field, schema.Required(), schema.String(), pl.p.Rule).
				Field("code", schema.Required(), schema.String()).
				Field("password", schema.Required(), schema.String(), schema.MinLen(8), schema.MaxLen(128)),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:               200,
				plugin.StatusExpired:          400,
				plugin.StatusBreachedPassword: 422,
			}},
			Run: pl.resetPassword,
		},
		{
			Name:   "change-password",
			Inputs: []string{"token", "current_password", "new_password"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("current_password", schema.Required(), schema.String()).
				Field("new_password", schema.Required(), schema.String(), schema.MinLen(8), schema.MaxLen(128)),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                 200,
				plugin.StatusUnauthorized:       401,
				plugin.StatusInvalidCredentials: 401,
				plugin.StatusBreachedPassword:   422,
			}},
			Run: pl.changePassword,
		},
		{
			Name:   "change-" + field,
			Inputs: []string{"token", "password", newField},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()).
				Field("password", schema.Required(), schema.String()).
				Field(newField, schema.Required(), schema.String(), pl.p.Rule),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                 200,
				plugin.StatusUnauthorized:       401,
				plugin.StatusInvalidCredentials: 401,
				plugin.StatusConflict:           409,
			}},
			Run: pl.changeIdentifier,
		},
		{
			Name:   "logout",
			Inputs: []string{"token"},
			Validate: schema.New().
				Field("token", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK: 200,
			}},
			Run: pl.logout,
		},
	}
}

func (pl *Plugin) register(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := pl.normalize(input.String(pl.p.Field))
	password := input.String("password")

	_, err := pl.identity(ctx, identifier)
	if err == nil {
		return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
	}
	if !errors.Is(err, orm.ErrNotFound) {
		return nil, err
	}

	breached, err := pl.cfg.Breach.Breached(ctx, password)
	if err != nil {
		return nil, err
	}
	if breached {
		return plugin.Fail(plugin.StatusBreachedPassword, "This password has appeared in a data breach; choose another"), nil
	}

	passwordHash, err := hash.PasswordWithParams(password, pl.cfg.Hash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	subjectRec := orm.Record{"created_at": now}
	for k, v := range input.Map("others") {
		if k == "id" || k == "created_at" {
			continue
		}
		subjectRec[k] = v
	}

	var identity orm.Record
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		// The pre-check above is advisory; this one is authoritative. Two
		// concurrent registers serialize here and the loser conflicts.
		_, err := tx.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
			orm.Eq("provider", pl.p.Provider),
			orm.Eq("identifier", identifier),
		)))
		if err == nil {
			return errIdentityExists
		}
		if !errors.Is(err, orm.ErrNotFound) {
			return err
		}

		subject, err := tx.Create(ctx, subjectsTable, subjectRec)
		if err != nil {
			return err
		}
		subjectID := subject.String("id")

		if _, err := tx.Create(ctx, credentialsTable, orm.Record{
			"subject_id":    subjectID,
			"password_hash": passwordHash,
			"created_at":    now,
			"updated_at":    now,
		}); err != nil {
			return err
		}

		identity, err = tx.Create(ctx, identitiesTable, orm.Record{
			"subject_id": subjectID,
			"provider":   pl.p.Provider,
			"identifier": identifier,
			"verified":   !pl.cfg.RequireVerification,
			"created_at": now,
			"updated_at": now,
		})
		if err != nil {
			return err
		}

		_, err = tx.Create(ctx, pl.p.MetaTable, orm.Record{
			"identity_id": identity.String("id"),
			"created_at":  now,
		})
		return err
	})
	if errors.Is(err, errIdentityExists) {
		return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
	}
	if err != nil {
		return nil, err
	}

	res := plugin.OK(plugin.StatusCreated, "Registered").WithSubject(pl.sanitize(identity))

	if pl.cfg.RequireVerification {
		if err := pl.issueVerification(ctx, identity.String("id"), identifier); err != nil {
			return nil, err
		}
		return res.Set("requires_verification", true), nil
	}

	if pl.cfg.LoginOnRegister {
		tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.sessionTTL())
		if err != nil {
			return nil, err
		}
		res.WithToken(tok)
	}
	return res, nil
}

func (pl *Plugin) login(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := pl.normalize(input.String(pl.p.Field))
	password := input.String("password")

	if res, handled, err := pl.fixtureLogin(ctx, identifier, password); handled {
		return res, err
	}

	identity, err := pl.identity(ctx, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		// Burn the same hashing cost as the found path so response timing
		// does not reveal whether the account exists.
		_ = hash.VerifyPassword(password, pl.dummyHash)
		return pl.invalidLogin(), nil
	}
	if err != nil {
		return nil, err
	}

	cred, err := ctx.ORM.FindFirst(ctx, credentialsTable, orm.Where(
		orm.Eq("subject_id", identity.String("subject_id")),
	))
	if errors.Is(err, orm.ErrNotFound) {
		_ = hash.VerifyPassword(password, pl.dummyHash)
		return pl.invalidLogin(), nil
	}
	if err != nil {
		return nil, err
	}

	if hash.VerifyPassword(password, cred.String("password_hash")) != nil {
		return pl.invalidLogin(), nil
	}

	if pl.cfg.RequireVerification && !identity.Bool("verified") {
		if err := pl.issueVerification(ctx, identity.String("id"), identifier); err != nil {
			return nil, err
		}
		return plugin.Fail(plugin.StatusVerificationRequired, "Verification required; a fresh code has been sent"), nil
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.sessionTTL())
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Logged in").WithToken(tok).WithSubject(pl.sanitize(identity)), nil
}

// fixtureLogin handles test-user fixtures. Returns handled=false when
// fixtures are off, the environment is production, or the identifier is not a
// fixture; a fixture identifier with the wrong password still short-circuits
// so fixtures never leak into real credential checks.
func (pl *Plugin) fixtureLogin(ctx *plugin.Context, identifier, password string) (*plugin.Result, bool, error) {
	if !pl.cfg.TestUsers.Enabled || ctx.Engine.Environment() == plugin.EnvProduction {
		return nil, false, nil
	}
	fixturePassword, ok := pl.cfg.TestUsers.Users[identifier]
	if !ok {
		return nil, false, nil
	}
	if password != fixturePassword {
		return pl.invalidLogin(), true, nil
	}

	identity, err := pl.ensureFixture(ctx, identifier, password)
	if err != nil {
		return nil, true, err
	}

	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.sessionTTL())
	if err != nil {
		return nil, true, err
	}
	return plugin.OK(plugin.StatusOK, "Logged in").WithToken(tok).WithSubject(pl.sanitize(identity)), true, nil
}

// ensureFixture provisions backing records for a test user on first login so
// sessions created for it resolve like any other subject.
func (pl *Plugin) ensureFixture(ctx *plugin.Context, identifier, password string) (orm.Record, error) {
	identity, err := pl.identity(ctx, identifier)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, orm.ErrNotFound) {
		return nil, err
	}

	passwordHash, err := hash.PasswordWithParams(password, pl.cfg.Hash)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		subject, err := tx.Create(ctx, subjectsTable, orm.Record{"created_at": now, "fixture": true})
		if err != nil {
			return err
		}
		if _, err := tx.Create(ctx, credentialsTable, orm.Record{
			"subject_id":    subject.String("id"),
			"password_hash": passwordHash,
			"created_at":    now,
			"updated_at":    now,
		}); err != nil {
			return err
		}
		identity, err = tx.Create(ctx, identitiesTable, orm.Record{
			"subject_id": subject.String("id"),
			"provider":   pl.p.Provider,
			"identifier": identifier,
			"verified":   true,
			"created_at": now,
			"updated_at": now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (pl *Plugin) verify(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := pl.normalize(input.String(pl.p.Field))
	code := input.String("code")

	identity, err := pl.identity(ctx, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		return pl.commitPendingChange(ctx, identifier, code)
	}
	if err != nil {
		return nil, err
	}

	meta, err := ctx.ORM.FindFirst(ctx, pl.p.MetaTable, orm.Where(
		orm.Eq("identity_id", identity.String("id")),
	))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	if !codeMatches(meta, code) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}

	now := time.Now()
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if _, err := tx.UpdateMany(ctx, identitiesTable,
			orm.Eq("id", identity.String("id")),
			orm.Record{"verified": true, "updated_at": now},
		); err != nil {
			return err
		}
		_, err := tx.UpdateMany(ctx, pl.p.MetaTable,
			orm.Eq("identity_id", identity.String("id")),
			clearCodeFields(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	identity["verified"] = true
	return plugin.OK(plugin.StatusOK, "Verified").WithSubject(pl.sanitize(identity)), nil
}

// commitPendingChange completes a staged identifier change: the code was sent
// to the new identifier, which has no identity row yet.
func (pl *Plugin) commitPendingChange(ctx *plugin.Context, identifier, code string) (*plugin.Result, error) {
	meta, err := ctx.ORM.FindFirst(ctx, pl.p.MetaTable, orm.Where(
		orm.Eq("pending_identifier", identifier),
	))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}

	if !codeMatches(meta, code) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}

	identityID := meta.String("identity_id")
	now := time.Now()
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if _, err := tx.UpdateMany(ctx, identitiesTable,
			orm.Eq("id", identityID),
			orm.Record{"identifier": identifier, "verified": true, "updated_at": now},
		); err != nil {
			return err
		}
		_, err := tx.UpdateMany(ctx, pl.p.MetaTable,
			orm.Eq("identity_id", identityID),
			clearCodeFields(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	identity, err := ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.Eq("id", identityID)))
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Verified").WithSubject(pl.sanitize(identity)), nil
}

func (pl *Plugin) sendVerify(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := pl.normalize(input.String(pl.p.Field))

	identity, err := pl.identity(ctx, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.OK(plugin.StatusOK, genericSent), nil
	}
	if err != nil {
		return nil, err
	}
	if identity.Bool("verified") {
		return plugin.OK(plugin.StatusOK, genericSent), nil
	}

	if err := pl.issueVerification(ctx, identity.String("id"), identifier); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, genericSent), nil
}

func (pl *Plugin) sendReset(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	if pl.cfg.SendCode == nil {
		return nil, plugin.ErrCallbackMissing
	}
	identifier := pl.normalize(input.String(pl.p.Field))

	identity, err := pl.identity(ctx, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.OK(plugin.StatusOK, genericSent), nil
	}
	if err != nil {
		return nil, err
	}

	code, err := pl.newCode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := ctx.ORM.Create(ctx, resetCodesTable, orm.Record{
		"subject_id": identity.String("subject_id"),
		"code_hash":  hash.Code(code),
		"expires_at": now.Add(pl.cfg.ResetCodeTTL),
		"used_at":    nil,
		"created_at": now,
	}); err != nil {
		return nil, err
	}

	if err := plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		return pl.cfg.SendCode(cctx, identifier, code)
	}); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, genericSent), nil
}

func (pl *Plugin) resetPassword(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	identifier := pl.normalize(input.String(pl.p.Field))
	code := input.String("code")
	password := input.String("password")

	identity, err := pl.identity(ctx, identifier)
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}
	if err != nil {
		return nil, err
	}
	subjectID := identity.String("subject_id")

	now := time.Now()
	candidates, err := ctx.ORM.FindMany(ctx, resetCodesTable, orm.Query{
		Where: orm.And(
			orm.Eq("subject_id", subjectID),
			orm.IsNull("used_at"),
			orm.Gt("expires_at", now),
		),
		OrderBy: []orm.Order{{Field: "created_at", Desc: true}},
		Limit:   5,
	})
	if err != nil {
		return nil, err
	}

	var match orm.Record
	for _, rec := range candidates {
		if hash.VerifyCode(code, rec.String("code_hash")) {
			match = rec
			break
		}
	}
	if match == nil {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired code"), nil
	}

	breached, err := pl.cfg.Breach.Breached(ctx, password)
	if err != nil {
		return nil, err
	}
	if breached {
		return plugin.Fail(plugin.StatusBreachedPassword, "This password has appeared in a data breach; choose another"), nil
	}

	passwordHash, err := hash.PasswordWithParams(password, pl.cfg.Hash)
	if err != nil {
		return nil, err
	}

	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		if _, err := tx.UpdateMany(ctx, credentialsTable,
			orm.Eq("subject_id", subjectID),
			orm.Record{"password_hash": passwordHash, "updated_at": now},
		); err != nil {
			return err
		}
		// used_at set atomically with the password change: single use.
		_, err := tx.UpdateMany(ctx, resetCodesTable,
			orm.Eq("id", match.String("id")),
			orm.Record{"used_at": now},
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Password updated"), nil
}

func (pl *Plugin) changePassword(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	chk, err := ctx.Engine.CheckSession(ctx, input.String("token"))
	if err != nil {
		return nil, err
	}
	if !chk.Valid || chk.Kind != plugin.KindSubject {
		return plugin.Fail(plugin.StatusUnauthorized, "Unauthorized"), nil
	}

	cred, err := ctx.ORM.FindFirst(ctx, credentialsTable, orm.Where(
		orm.Eq("subject_id", chk.SubjectID),
	))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid credentials"), nil
	}
	if err != nil {
		return nil, err
	}

	if hash.VerifyPassword(input.String("current_password"), cred.String("password_hash")) != nil {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid credentials"), nil
	}

	newPassword := input.String("new_password")
	breached, err := pl.cfg.Breach.Breached(ctx, newPassword)
	if err != nil {
		return nil, err
	}
	if breached {
		return plugin.Fail(plugin.StatusBreachedPassword, "This password has appeared in a data breach; choose another"), nil
	}

	passwordHash, err := hash.PasswordWithParams(newPassword, pl.cfg.Hash)
	if err != nil {
		return nil, err
	}
	if _, err := ctx.ORM.UpdateMany(ctx, credentialsTable,
		orm.Eq("subject_id", chk.SubjectID),
		orm.Record{"password_hash": passwordHash, "updated_at": time.Now()},
	); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Password updated"), nil
}

func (pl *Plugin) changeIdentifier(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	chk, err := ctx.Engine.CheckSession(ctx, input.String("token"))
	if err != nil {
		return nil, err
	}
	if !chk.Valid || chk.Kind != plugin.KindSubject {
		return plugin.Fail(plugin.StatusUnauthorized, "Unauthorized"), nil
	}

	cred, err := ctx.ORM.FindFirst(ctx, credentialsTable, orm.Where(
		orm.Eq("subject_id", chk.SubjectID),
	))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid credentials"), nil
	}
	if err != nil {
		return nil, err
	}
	if hash.VerifyPassword(input.String("password"), cred.String("password_hash")) != nil {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Invalid credentials"), nil
	}

	newIdentifier := pl.normalize(input.String("new_" + pl.p.Field))
	if _, err := pl.identity(ctx, newIdentifier); err == nil {
		return plugin.Fail(plugin.StatusConflict, "Already registered"), nil
	} else if !errors.Is(err, orm.ErrNotFound) {
		return nil, err
	}

	identity, err := ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
		orm.Eq("subject_id", chk.SubjectID),
		orm.Eq("provider", pl.p.Provider),
	)))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusNotFound, "No such identity"), nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if pl.cfg.RequireVerification {
		code, err := pl.newCode()
		if err != nil {
			return nil, err
		}
		// Staged: the identity keeps its current identifier until the user
		// proves control of the new one.
		if _, err := ctx.ORM.UpdateMany(ctx, pl.p.MetaTable,
			orm.Eq("identity_id", identity.String("id")),
			orm.Record{
				"pending_identifier":      newIdentifier,
				"pending_staged_at":       now,
				"verification_code_hash":  hash.Code(code),
				"verification_expires_at": now.Add(pl.cfg.VerificationCodeTTL),
			},
		); err != nil {
			return nil, err
		}
		if err := plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
			return pl.cfg.SendCode(cctx, newIdentifier, code)
		}); err != nil {
			return nil, err
		}
		return plugin.OK(plugin.StatusOK, "Verification sent to the new address").
			Set("requires_verification", true), nil
	}

	if _, err := ctx.ORM.UpdateMany(ctx, identitiesTable,
		orm.Eq("id", identity.String("id")),
		orm.Record{"identifier": newIdentifier, "updated_at": now},
	); err != nil {
		return nil, err
	}
	identity["identifier"] = newIdentifier
	return plugin.OK(plugin.StatusOK, "Updated").WithSubject(pl.sanitize(identity)), nil
}

func (pl *Plugin) logout(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	if err := ctx.Engine.DestroySession(ctx, input.String("token")); err != nil {
		return nil, err
	}
	return plugin.OK(plugin.StatusOK, "Logged out"), nil
}

// issueVerification stores a fresh hashed code on the identity's metadata row
// and delivers it. The delivery callback runs outside any transaction and
// under the bounded timeout.
func (pl *Plugin) issueVerification(ctx *plugin.Context, identityID, destination string) error {
	if pl.cfg.SendCode == nil {
		return plugin.ErrCallbackMissing
	}

	code, err := pl.newCode()
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := ctx.ORM.Upsert(ctx, pl.p.MetaTable,
		orm.Eq("identity_id", identityID),
		orm.Record{
			"identity_id":             identityID,
			"verification_code_hash":  hash.Code(code),
			"verification_expires_at": now.Add(pl.cfg.VerificationCodeTTL),
			"created_at":              now,
		},
		orm.Record{
			"verification_code_hash":  hash.Code(code),
			"verification_expires_at": now.Add(pl.cfg.VerificationCodeTTL),
		},
	); err != nil {
		return err
	}

	return plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		return pl.cfg.SendCode(cctx, destination, code)
	})
}

func (pl *Plugin) newCode() (string, error) {
	alphabet, err := randcode.Parse(pl.cfg.CodeKind)
	if err != nil {
		return "", err
	}
	return randcode.Generate(alphabet, pl.cfg.CodeLength)
}

// codeMatches checks presence, expiry, and the hash in constant time.
// The boundary is exclusive: a code presented exactly at expires_at is gone.
func codeMatches(meta orm.Record, code string) bool {
	stored := meta.String("verification_code_hash")
	if stored == "" || code == "" {
		return false
	}
	if !time.Now().Before(meta.Time("verification_expires_at")) {
		return false
	}
	return hash.VerifyCode(code, stored)
}

func clearCodeFields() orm.Record {
	return orm.Record{
		"verification_code_hash":  nil,
		"verification_expires_at": nil,
		"pending_identifier":      nil,
		"pending_staged_at":       nil,
	}
}
