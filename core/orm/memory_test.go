package orm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authkit/core/orm"
)

func seedIdentities(t *testing.T, store *orm.Memory) {
	t.Helper()
	ctx := context.Background()

	rows := []orm.Record{
		{"provider": "email", "identifier": "a@x.com", "verified": true, "rank": int64(1)},
		{"provider": "email", "identifier": "b@x.com", "verified": false, "rank": int64(2)},
		{"provider": "phone", "identifier": "+15550001111", "verified": true, "rank": int64(3)},
	}
	for _, rec := range rows {
		_, err := store.Create(ctx, "identities", rec)
		require.NoError(t, err)
	}
}

func TestMemory_FindFirst(t *testing.T) {
	t.Parallel()

	t.Run("returns first match", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		seedIdentities(t, store)

		rec, err := store.FindFirst(context.Background(), "identities", orm.Where(
			orm.Eq("provider", "email"),
		))
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", rec.String("identifier"))
	})

	t.Run("returns ErrNotFound for no match", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		seedIdentities(t, store)

		_, err := store.FindFirst(context.Background(), "identities", orm.Where(
			orm.Eq("identifier", "missing@x.com"),
		))
		require.ErrorIs(t, err, orm.ErrNotFound)
	})

	t.Run("honors descending order", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		seedIdentities(t, store)

		rec, err := store.FindFirst(context.Background(), "identities", orm.Query{
			OrderBy: []orm.Order{{Field: "rank", Desc: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), rec.Int("rank"))
	})
}

func TestMemory_Predicates(t *testing.T) {
	t.Parallel()

	store := orm.NewMemory()
	seedIdentities(t, store)
	ctx := context.Background()

	t.Run("or across providers", func(t *testing.T) {
		t.Parallel()

		recs, err := store.FindMany(ctx, "identities", orm.Where(orm.Or(
			orm.Eq("provider", "phone"),
			orm.Eq("identifier", "a@x.com"),
		)))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("in operator", func(t *testing.T) {
		t.Parallel()

		recs, err := store.FindMany(ctx, "identities", orm.Where(
			orm.In("identifier", "a@x.com", "b@x.com"),
		))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("like operator", func(t *testing.T) {
		t.Parallel()

		recs, err := store.FindMany(ctx, "identities", orm.Where(
			orm.Like("identifier", "%@x.com"),
		))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("numeric comparison crosses int widths", func(t *testing.T) {
		t.Parallel()

		n, err := store.Count(ctx, "identities", orm.Gte("rank", 2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("time comparison", func(t *testing.T) {
		t.Parallel()

		codes := orm.NewMemory()
		now := time.Now()
		_, err := codes.Create(ctx, "codes", orm.Record{"expires_at": now.Add(-time.Second)})
		require.NoError(t, err)
		_, err = codes.Create(ctx, "codes", orm.Record{"expires_at": now.Add(time.Hour)})
		require.NoError(t, err)

		n, err := codes.Count(ctx, "codes", orm.Lt("expires_at", now))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("null predicates", func(t *testing.T) {
		t.Parallel()

		links := orm.NewMemory()
		_, err := links.Create(ctx, "links", orm.Record{"used_at": nil})
		require.NoError(t, err)
		_, err = links.Create(ctx, "links", orm.Record{"used_at": time.Now()})
		require.NoError(t, err)

		unused, err := links.Count(ctx, "links", orm.IsNull("used_at"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), unused)

		used, err := links.Count(ctx, "links", orm.NotNull("used_at"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), used)
	})
}

func TestMemory_Mutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create assigns id", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		rec, err := store.Create(ctx, "subjects", orm.Record{})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.String("id"))
	})

	t.Run("update many returns count", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		seedIdentities(t, store)

		n, err := store.UpdateMany(ctx, "identities", orm.Eq("provider", "email"), orm.Record{"verified": true})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		verified, err := store.Count(ctx, "identities", orm.Eq("verified", true))
		require.NoError(t, err)
		assert.Equal(t, int64(3), verified)
	})

	t.Run("delete many removes matches", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		seedIdentities(t, store)

		n, err := store.DeleteMany(ctx, "identities", orm.Eq("provider", "email"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := store.Count(ctx, "identities", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), left)
	})

	t.Run("upsert inserts then updates", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		where := orm.Eq("identity_id", "id-1")

		rec, err := store.Upsert(ctx, "email_identities", where,
			orm.Record{"identity_id": "id-1", "code_hash": "h1"},
			orm.Record{"code_hash": "h2"},
		)
		require.NoError(t, err)
		assert.Equal(t, "h1", rec.String("code_hash"))

		rec, err = store.Upsert(ctx, "email_identities", where,
			orm.Record{"identity_id": "id-1", "code_hash": "h3"},
			orm.Record{"code_hash": "h2"},
		)
		require.NoError(t, err)
		assert.Equal(t, "h2", rec.String("code_hash"))

		n, err := store.Count(ctx, "email_identities", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("returned records are detached copies", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		created, err := store.Create(ctx, "subjects", orm.Record{"name": "before"})
		require.NoError(t, err)
		created["name"] = "mutated"

		rec, err := store.FindFirst(ctx, "subjects", orm.Query{})
		require.NoError(t, err)
		assert.Equal(t, "before", rec.String("name"))
	})
}

func TestMemory_Transaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		err := store.Transaction(ctx, func(tx orm.ORM) error {
			if _, err := tx.Create(ctx, "subjects", orm.Record{}); err != nil {
				return err
			}
			_, err := tx.Create(ctx, "identities", orm.Record{"provider": "email"})
			return err
		})
		require.NoError(t, err)

		n, err := store.Count(ctx, "subjects", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("rolls back all writes on failure", func(t *testing.T) {
		t.Parallel()

		store := orm.NewMemory()
		boom := errors.New("boom")

		err := store.Transaction(ctx, func(tx orm.ORM) error {
			if _, err := tx.Create(ctx, "subjects", orm.Record{}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		n, err := store.Count(ctx, "subjects", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}
