package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/authkit/core/hash"
	"github.com/dmitrymomot/authkit/core/orm"
	"github.com/dmitrymomot/authkit/core/token"
)

const (
	sessionsTable    = "sessions"
	revokedJWTsTable = "revoked_jwts"

	// TypeOpaque marks sessions backed by a random bearer token row.
	TypeOpaque = "opaque"
	// TypeJWT marks stateless signed sessions with a revocation record on destroy.
	TypeJWT = "jwt"
)

// Resolver loads and sanitizes subjects of one kind. Plugins register one
// resolver per kind at initialization; the registry is read-only afterwards.
type Resolver interface {
	// GetByID loads the subject, returning orm.ErrNotFound when it is gone.
	GetByID(ctx context.Context, id string) (orm.Record, error)
	// Sanitize strips private fields before the subject crosses the engine boundary.
	Sanitize(subject orm.Record) map[string]any
}

// Check is the result of verifying a presented token.
type Check struct {
	Valid     bool
	Kind      string
	SubjectID string
	Subject   map[string]any
	// Token carries the successor token when verification triggered a
	// rotation; callers propagate it opaquely. Empty means keep the current one.
	Token string
	Type  string
}

// Service manages sessions polymorphic over subject kind, persisting bindings
// through the data-access port. Opaque tokens are stored hashed; JWTs are
// stateless with a revocation record inserted on destroy.
type Service struct {
	store         orm.ORM
	codec         *token.JWTCodec
	useJWT        bool
	ttl           time.Duration
	refreshWindow time.Duration
	logger        *slog.Logger

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// Option configures the session service.
type Option func(*Service)

// WithTTL sets the default session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRefreshWindow enables opaque-token rotation when a verified session is
// within d of its expiry. Zero disables rotation.
func WithRefreshWindow(d time.Duration) Option {
	return func(s *Service) {
		s.refreshWindow = d
	}
}

// WithJWT switches issued tokens to signed JWTs using the given codec.
func WithJWT(codec *token.JWTCodec) Option {
	return func(s *Service) {
		s.codec = codec
		s.useJWT = codec != nil
	}
}

// WithLogger sets the logger for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session service over the given store.
func New(store orm.ORM, opts ...Option) *Service {
	s := &Service{
		store:     store,
		ttl:       24 * time.Hour,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		resolvers: make(map[string]Resolver),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterResolver binds a subject kind to its resolver. Exactly one resolver
// per kind; a second registration returns ErrResolverExists.
func (s *Service) RegisterResolver(kind string, r Resolver) error {
	if kind == "" || r == nil {
		return ErrInvalidResolver
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resolvers[kind]; exists {
		return ErrResolverExists
	}
	s.resolvers[kind] = r
	return nil
}

// TTL returns the default session lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) resolver(kind string) (Resolver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resolvers[kind]
	return r, ok
}

// Create persists a session binding for the subject and returns the bearer
// token. A non-positive ttl falls back to the service default.
func (s *Service) Create(ctx context.Context, kind, subjectID string, ttl time.Duration) (string, error) {
	if _, ok := s.resolver(kind); !ok {
		return "", ErrUnknownKind
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	if s.useJWT {
		signed, _, err := s.codec.Sign(ctx, subjectID, kind, ttl)
		if err != nil {
			return "", errors.Join(ErrCreateSession, err)
		}
		return signed, nil
	}

	tok, err := token.Opaque()
	if err != nil {
		return "", errors.Join(ErrCreateSession, err)
	}

	now := time.Now()
	_, err = s.store.Create(ctx, sessionsTable, orm.Record{
		"token_hash":   hash.Code(tok),
		"subject_kind": kind,
		"subject_id":   subjectID,
		"token_type":   TypeOpaque,
		"expires_at":   now.Add(ttl),
		"created_at":   now,
	})
	if err != nil {
		return "", errors.Join(ErrCreateSession, err)
	}

	s.logger.DebugContext(ctx, "session created",
		slog.String("kind", kind),
		slog.String("subject_id", subjectID))
	return tok, nil
}

// Check verifies a presented token. Expired, revoked, unknown, or orphaned
// tokens yield {Valid:false} with a nil error; errors are reserved for
// infrastructure faults. Opaque tokens inside the refresh window are rotated:
// the successor is returned in Check.Token and repeated checks within the
// window return the same successor.
func (s *Service) Check(ctx context.Context, raw string) (Check, error) {
	if raw == "" {
		return Check{}, nil
	}
	if isJWT(raw) {
		return s.checkJWT(ctx, raw)
	}
	return s.checkOpaque(ctx, raw)
}

func (s *Service) checkJWT(ctx context.Context, raw string) (Check, error) {
	if !s.useJWT {
		return Check{}, nil
	}

	claims, err := s.codec.Verify(ctx, raw)
	if err != nil {
		return Check{}, nil
	}

	_, err = s.store.FindFirst(ctx, revokedJWTsTable, orm.Where(orm.Eq("jti", claims.ID)))
	if err == nil {
		return Check{}, nil
	}
	if !errors.Is(err, orm.ErrNotFound) {
		return Check{}, err
	}

	return s.loadSubject(ctx, claims.Kind, claims.Subject, "", TypeJWT)
}

func (s *Service) checkOpaque(ctx context.Context, raw string) (Check, error) {
	rec, err := s.store.FindFirst(ctx, sessionsTable, orm.Where(
		orm.Eq("token_hash", hash.Code(raw)),
	))
	if errors.Is(err, orm.ErrNotFound) {
		return Check{}, nil
	}
	if err != nil {
		return Check{}, err
	}

	now := time.Now()
	expiresAt := rec.Time("expires_at")
	if !now.Before(expiresAt) {
		return Check{}, nil
	}

	successor := ""
	if s.refreshWindow > 0 && now.After(expiresAt.Add(-s.refreshWindow)) {
		successor, err = s.rotate(ctx, rec)
		if err != nil {
			return Check{}, err
		}
	}

	return s.loadSubject(ctx, rec.String("subject_kind"), rec.String("subject_id"), successor, TypeOpaque)
}

// rotate issues a successor session for a near-expiry binding. The raw
// successor token is kept on the predecessor row so concurrent refreshes of
// the same token observe the same successor: the conditional update inside
// the transaction lets exactly one caller mint it, everyone else reads the
// winner's token back.
func (s *Service) rotate(ctx context.Context, rec orm.Record) (string, error) {
	if successor := rec.String("successor_token"); successor != "" {
		return successor, nil
	}

	successor, err := token.Opaque()
	if err != nil {
		return "", errors.Join(ErrCreateSession, err)
	}

	now := time.Now()
	claimed := false
	err = s.store.Transaction(ctx, func(tx orm.ORM) error {
		n, err := tx.UpdateMany(ctx, sessionsTable, orm.And(
			orm.Eq("id", rec.String("id")),
			orm.IsNull("successor_token"),
		), orm.Record{"successor_token": successor})
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		claimed = true
		_, err = tx.Create(ctx, sessionsTable, orm.Record{
			"token_hash":   hash.Code(successor),
			"subject_kind": rec.String("subject_kind"),
			"subject_id":   rec.String("subject_id"),
			"token_type":   TypeOpaque,
			"expires_at":   now.Add(s.ttl),
			"created_at":   now,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		fresh, err := s.store.FindFirst(ctx, sessionsTable, orm.Where(
			orm.Eq("id", rec.String("id")),
		))
		if err != nil {
			return "", err
		}
		return fresh.String("successor_token"), nil
	}

	s.logger.DebugContext(ctx, "session rotated",
		slog.String("subject_id", rec.String("subject_id")))
	return successor, nil
}

func (s *Service) loadSubject(ctx context.Context, kind, subjectID, successor, tokenType string) (Check, error) {
	resolver, ok := s.resolver(kind)
	if !ok {
		return Check{}, nil
	}

	subject, err := resolver.GetByID(ctx, subjectID)
	if errors.Is(err, orm.ErrNotFound) {
		// Subject deleted after the token was issued.
		return Check{}, nil
	}
	if err != nil {
		return Check{}, err
	}

	return Check{
		Valid:     true,
		Kind:      kind,
		SubjectID: subjectID,
		Subject:   resolver.Sanitize(subject),
		Token:     successor,
		Type:      tokenType,
	}, nil
}

// Destroy revokes a session. Opaque tokens are deleted; JWTs get a revocation
// record that outlives the token's own expiry. Destroying an unknown or
// already-destroyed token is a no-op.
func (s *Service) Destroy(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}

	if isJWT(raw) {
		if !s.useJWT {
			return nil
		}
		claims, err := s.codec.Verify(ctx, raw)
		if err != nil {
			return nil
		}
		_, err = s.store.Upsert(ctx, revokedJWTsTable,
			orm.Eq("jti", claims.ID),
			orm.Record{"jti": claims.ID, "expires_at": claims.ExpiresAt},
			orm.Record{},
		)
		return err
	}

	_, err := s.store.DeleteMany(ctx, sessionsTable, orm.Eq("token_hash", hash.Code(raw)))
	return err
}

// DestroyForSubject revokes every session bound to the subject. Used when a
// subject is deleted or a guest is converted.
func (s *Service) DestroyForSubject(ctx context.Context, kind, subjectID string) (int64, error) {
	return s.store.DeleteMany(ctx, sessionsTable, orm.And(
		orm.Eq("subject_kind", kind),
		orm.Eq("subject_id", subjectID),
	))
}

// DeleteExpired removes expired session rows and stale JWT revocation
// records. Wired into the cleanup scheduler.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	sessions, err := s.store.DeleteMany(ctx, sessionsTable, orm.Lte("expires_at", now))
	if err != nil {
		return 0, err
	}
	revoked, err := s.store.DeleteMany(ctx, revokedJWTsTable, orm.Lte("expires_at", now))
	if err != nil {
		return sessions, err
	}
	return sessions + revoked, nil
}

// isJWT distinguishes compact JWS serialization from opaque tokens.
func isJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
