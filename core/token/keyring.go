package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/authkit/core/orm"
)

const keysTable = "jwks_keys"

// Key is one signing key in the keyring. A key is active while RotatedAt is
// zero; a rotated key still verifies tokens until its grace window closes.
type Key struct {
	ID         string
	Private    *rsa.PrivateKey
	ActiveFrom time.Time
	RotatedAt  time.Time
}

// Keyring manages RS256 signing keys persisted in the jwks_keys table.
// Reads take a reader lock; rotation holds the writer lock only for the swap.
type Keyring struct {
	store            orm.ORM
	rotationInterval time.Duration
	gracePeriod      time.Duration
	keySize          int

	mu     sync.RWMutex
	active *Key
	grace  map[string]*Key
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithRotationInterval sets how long a key stays active before rotation.
func WithRotationInterval(d time.Duration) KeyringOption {
	return func(k *Keyring) {
		if d > 0 {
			k.rotationInterval = d
		}
	}
}

// WithGracePeriod sets how long rotated keys keep verifying outstanding tokens.
func WithGracePeriod(d time.Duration) KeyringOption {
	return func(k *Keyring) {
		if d > 0 {
			k.gracePeriod = d
		}
	}
}

// WithKeySize sets the RSA modulus size in bits. Smaller sizes are for tests only.
func WithKeySize(bits int) KeyringOption {
	return func(k *Keyring) {
		if bits > 0 {
			k.keySize = bits
		}
	}
}

// NewKeyring creates a keyring over the given store. Keys are loaded lazily:
// the first Signer call generates the initial key if the table is empty.
func NewKeyring(store orm.ORM, opts ...KeyringOption) *Keyring {
	k := &Keyring{
		store:            store,
		rotationInterval: 30 * 24 * time.Hour,
		gracePeriod:      7 * 24 * time.Hour,
		keySize:          2048,
		grace:            make(map[string]*Key),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Signer returns the current active key, generating or rotating as needed.
func (k *Keyring) Signer(ctx context.Context) (*Key, error) {
	k.mu.RLock()
	active := k.active
	k.mu.RUnlock()

	if active != nil && time.Since(active.ActiveFrom) < k.rotationInterval {
		return active, nil
	}

	return k.rotate(ctx)
}

// Verifier returns the key with the given id if it is the active key or a
// rotated key still inside its grace window.
func (k *Keyring) Verifier(ctx context.Context, keyID string) (*Key, error) {
	k.mu.RLock()
	if k.active != nil && k.active.ID == keyID {
		defer k.mu.RUnlock()
		return k.active, nil
	}
	if key, ok := k.grace[keyID]; ok {
		defer k.mu.RUnlock()
		if !k.withinGrace(key) {
			return nil, ErrUnknownKey
		}
		return key, nil
	}
	k.mu.RUnlock()

	// Cache miss: another process may have rotated. Reload from the store.
	if err := k.reload(ctx); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active != nil && k.active.ID == keyID {
		return k.active, nil
	}
	if key, ok := k.grace[keyID]; ok && k.withinGrace(key) {
		return key, nil
	}
	return nil, ErrUnknownKey
}

// withinGrace reports whether a key may still verify tokens. Active keys
// always may; rotated keys only until their grace window closes.
func (k *Keyring) withinGrace(key *Key) bool {
	return key.RotatedAt.IsZero() || time.Since(key.RotatedAt) <= k.gracePeriod
}

// PurgeExpired removes rotated keys past their grace window. Wired into the
// cleanup scheduler by the engine. Returns the number of keys removed.
func (k *Keyring) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-k.gracePeriod)
	n, err := k.store.DeleteMany(ctx, keysTable, orm.And(
		orm.NotNull("rotated_at"),
		orm.Lt("rotated_at", cutoff),
	))
	if err != nil {
		return 0, err
	}

	k.mu.Lock()
	for id, key := range k.grace {
		if !key.RotatedAt.IsZero() && key.RotatedAt.Before(cutoff) {
			delete(k.grace, id)
		}
	}
	k.mu.Unlock()
	return n, nil
}

// rotate marks the current key rotated and installs a fresh one. The writer
// lock is held only for the in-memory swap; key generation happens outside it.
func (k *Keyring) rotate(ctx context.Context) (*Key, error) {
	if err := k.reload(ctx); err != nil {
		return nil, err
	}

	k.mu.RLock()
	active := k.active
	k.mu.RUnlock()
	if active != nil && time.Since(active.ActiveFrom) < k.rotationInterval {
		return active, nil
	}

	private, err := rsa.GenerateKey(rand.Reader, k.keySize)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	now := time.Now()
	fresh := &Key{
		ID:         uuid.NewString(),
		Private:    private,
		ActiveFrom: now,
	}

	err = k.store.Transaction(ctx, func(tx orm.ORM) error {
		if active != nil {
			if _, err := tx.UpdateMany(ctx, keysTable,
				orm.Eq("id", active.ID),
				orm.Record{"rotated_at": now},
			); err != nil {
				return err
			}
		}
		_, err := tx.Create(ctx, keysTable, encodeKey(fresh))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}

	k.mu.Lock()
	if k.active != nil {
		k.active.RotatedAt = now
		k.grace[k.active.ID] = k.active
	}
	k.active = fresh
	k.mu.Unlock()

	return fresh, nil
}

// reload rebuilds the in-memory cache from the store.
func (k *Keyring) reload(ctx context.Context) error {
	recs, err := k.store.FindMany(ctx, keysTable, orm.Query{
		OrderBy: []orm.Order{{Field: "active_from", Desc: true}},
	})
	if err != nil && !errors.Is(err, orm.ErrNotFound) {
		return err
	}

	var active *Key
	grace := make(map[string]*Key)
	for _, rec := range recs {
		key, err := decodeKey(rec)
		if err != nil {
			return err
		}
		if key.RotatedAt.IsZero() && active == nil {
			active = key
			continue
		}
		// Rows past their grace window stay out of the cache even when the
		// purge task has not removed them yet.
		if !k.withinGrace(key) {
			continue
		}
		grace[key.ID] = key
	}

	k.mu.Lock()
	k.active = active
	k.grace = grace
	k.mu.Unlock()
	return nil
}

func encodeKey(key *Key) orm.Record {
	privateDER := x509.MarshalPKCS1PrivateKey(key.Private)
	publicDER := x509.MarshalPKCS1PublicKey(&key.Private.PublicKey)

	rec := orm.Record{
		"id":          key.ID,
		"active_from": key.ActiveFrom,
		"rotated_at":  nil,
		"private":     string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privateDER})),
		"public":      string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: publicDER})),
	}
	if !key.RotatedAt.IsZero() {
		rec["rotated_at"] = key.RotatedAt
	}
	return rec
}

func decodeKey(rec orm.Record) (*Key, error) {
	block, _ := pem.Decode([]byte(rec.String("private")))
	if block == nil {
		return nil, fmt.Errorf("%w: malformed private key pem", ErrUnknownKey)
	}
	private, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKey, err)
	}
	return &Key{
		ID:         rec.String("id"),
		Private:    private,
		ActiveFrom: rec.Time("active_from"),
		RotatedAt:  rec.Time("rotated_at"),
	}, nil
}
