package federation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/plugin"
	"github.com/dmitrymomot/authkit/core/schema"
	"github.com/dmitrymomot/authkit/core/token"
)

var (
	errAlreadyUsed    = errors.New("sso request already consumed")
	errIdentityExists = errors.New("identity already provisioned")
)

// Steps implements plugin.Plugin.
func (pl *Plugin) Steps() []plugin.Step {
	return []plugin.Step{
		{
			Name:   "begin",
			Inputs: []string{"provider"},
			Validate: schema.New().
				Field("provider", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:       200,
				plugin.StatusNotFound: 404,
			}},
			Run: pl.begin,
		},
		{
			Name:   "callback",
			Inputs: []string{"provider", "state", "code"},
			Validate: schema.New().
				Field("provider", schema.Required(), schema.String()).
				Field("state", schema.Required(), schema.String()).
				Field("code", schema.Required(), schema.String()),
			HTTP: plugin.HTTPAdvice{Method: "POST", Codes: map[string]int{
				plugin.StatusOK:                 200,
				plugin.StatusCreated:            201,
				plugin.StatusExpired:            400,
				plugin.StatusInvalidCredentials: 401,
				plugin.StatusForbidden:          403,
				plugin.StatusNotFound:           404,
				plugin.StatusUpstreamTimeout:    504,
			}},
			Run: pl.callback,
		},
	}
}

func (pl *Plugin) begin(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	name := input.String("provider")
	provider, ok := pl.cfg.Providers[name]
	if !ok {
		return plugin.Fail(plugin.StatusNotFound, "Unknown provider"), nil
	}

	state, err := token.OpaqueN(16)
	if err != nil {
		return nil, err
	}
	nonce, err := token.OpaqueN(16)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := ctx.ORM.Create(ctx, ssoRequestsTable, orm.Record{
		"state_hash": hash.Code(state),
		"nonce":      nonce,
		"provider":   name,
		"expires_at": now.Add(pl.cfg.StateTTL),
		"used_at":    nil,
		"created_at": now,
	}); err != nil {
		return nil, err
	}

	authURL, err := url.Parse(provider.AuthURL)
	if err != nil {
		return nil, err
	}
	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", provider.ClientID)
	q.Set("redirect_uri", provider.RedirectURI)
	q.Set("scope", strings.Join(provider.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	authURL.RawQuery = q.Encode()

	return plugin.OK(plugin.StatusOK, "Authorization started").
		Set("authorization_url", authURL.String()).
		Set("state", state), nil
}

func (pl *Plugin) callback(ctx *plugin.Context, input plugin.Input) (*plugin.Result, error) {
	name := input.String("provider")
	provider, ok := pl.cfg.Providers[name]
	if !ok {
		return plugin.Fail(plugin.StatusNotFound, "Unknown provider"), nil
	}

	now := time.Now()
	req, err := ctx.ORM.FindFirst(ctx, ssoRequestsTable, orm.Where(orm.And(
		orm.Eq("state_hash", hash.Code(input.String("state"))),
		orm.Eq("provider", name),
		orm.IsNull("used_at"),
		orm.Gt("expires_at", now),
	)))
	if errors.Is(err, orm.ErrNotFound) {
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired sign-in request"), nil
	}
	if err != nil {
		return nil, err
	}

	// Consume the state before talking to the provider so a replayed
	// callback cannot trigger a second exchange.
	err = ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		n, err := tx.UpdateMany(ctx, ssoRequestsTable, orm.And(
			orm.Eq("id", req.String("id")),
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
		return plugin.Fail(plugin.StatusExpired, "Invalid or expired sign-in request"), nil
	}
	if err != nil {
		return nil, err
	}

	var tokens map[string]any
	err = plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		var err error
		tokens, err = pl.cfg.Exchange(cctx, name, input.String("code"), provider.RedirectURI, req.String("nonce"))
		return err
	})
	if errors.Is(err, plugin.ErrUpstreamTimeout) {
		return nil, err
	}
	if err != nil {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Sign-in could not be completed"), nil
	}

	var remote Identity
	err = plugin.CallWithTimeout(ctx, plugin.DefaultCallbackTimeout, func(cctx context.Context) error {
		var err error
		remote, err = pl.cfg.ResolveIdentity(cctx, name, tokens)
		return err
	})
	if errors.Is(err, plugin.ErrUpstreamTimeout) {
		return nil, err
	}
	if err != nil || remote.Subject == "" {
		return plugin.Fail(plugin.StatusInvalidCredentials, "Sign-in could not be completed"), nil
	}

	identity, err := ctx.ORM.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
		orm.Eq("provider", identityProvider(name)),
		orm.Eq("identifier", remote.Subject),
	)))
	switch {
	case err == nil:
		return pl.login(ctx, identity, plugin.StatusOK)
	case errors.Is(err, orm.ErrNotFound):
		if pl.cfg.DisableRegistration {
			return plugin.Fail(plugin.StatusForbidden, "No account is linked to this identity"), nil
		}
		return pl.register(ctx, name, remote, now)
	default:
		return nil, err
	}
}

// register provisions a local subject for a first-time federated login.
func (pl *Plugin) register(ctx *plugin.Context, providerName string, remote Identity, now time.Time) (*plugin.Result, error) {
	var identity orm.Record
	err := ctx.ORM.Transaction(ctx, func(tx orm.ORM) error {
		// A concurrent callback for the same remote subject may have
		// provisioned the identity after the lookup; the loser logs in.
		existing, err := tx.FindFirst(ctx, identitiesTable, orm.Where(orm.And(
			orm.Eq("provider", identityProvider(providerName)),
			orm.Eq("identifier", remote.Subject),
		)))
		if err == nil {
			identity = existing
			return errIdentityExists
		}
		if !errors.Is(err, orm.ErrNotFound) {
			return err
		}

		subject, err := tx.Create(ctx, subjectsTable, orm.Record{"created_at": now})
		if err != nil {
			return err
		}
		identity, err = tx.Create(ctx, identitiesTable, orm.Record{
			"subject_id": subject.String("id"),
			"provider":   identityProvider(providerName),
			"identifier": remote.Subject,
			"email":      strings.ToLower(remote.Email),
			"name":       remote.Name,
			"verified":   remote.EmailVerified,
			"created_at": now,
			"updated_at": now,
		})
		return err
	})
	if errors.Is(err, errIdentityExists) {
		return pl.login(ctx, identity, plugin.StatusOK)
	}
	if err != nil {
		return nil, err
	}
	return pl.login(ctx, identity, plugin.StatusCreated)
}

func (pl *Plugin) login(ctx *plugin.Context, identity orm.Record, status string) (*plugin.Result, error) {
	tok, err := ctx.Engine.CreateSessionFor(ctx, plugin.KindSubject, identity.String("subject_id"), pl.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	msg := "Logged in"
	if status == plugin.StatusCreated {
		msg = "Registered"
	}
	return plugin.OK(status, msg).WithToken(tok).WithSubject(sanitize(identity)), nil
}
