package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authkit/core/schema"
)

func TestSchema_Validate(t *testing.T) {
	t.Parallel()

	t.Run("valid input passes", func(t *testing.T) {
		t.Parallel()

		s := schema.New().
			Field("email", schema.Required(), schema.Email()).
			Field("password", schema.Required(), schema.MinLen(8))

		err := s.Validate(map[string]any{
			"email":    "a@x.com",
			"password": "long-enough",
		})
		require.NoError(t, err)
	})

	t.Run("aggregates all failures", func(t *testing.T) {
		t.Parallel()

		s := schema.New().
			Field("email", schema.Required(), schema.Email()).
			Field("password", schema.Required(), schema.MinLen(8))

		err := s.Validate(map[string]any{
			"email":    "not-an-email",
			"password": "short",
		})
		require.Error(t, err)

		ve, ok := schema.AsErrors(err)
		require.True(t, ok)
		assert.Len(t, ve.Fields, 2)
		assert.Equal(t, "email", ve.Fields[0].Field)
		assert.Equal(t, "password", ve.Fields[1].Field)
	})

	t.Run("required rejects empty and missing", func(t *testing.T) {
		t.Parallel()

		s := schema.New().Field("code", schema.Required())

		require.Error(t, s.Validate(map[string]any{}))
		require.Error(t, s.Validate(map[string]any{"code": ""}))
		require.Error(t, s.Validate(map[string]any{"code": nil}))
		require.NoError(t, s.Validate(map[string]any{"code": "123456"}))
	})

	t.Run("optional rules skip absent fields", func(t *testing.T) {
		t.Parallel()

		s := schema.New().Field("phone", schema.Phone())
		require.NoError(t, s.Validate(map[string]any{}))
		require.NoError(t, s.Validate(map[string]any{"phone": "+15550001111"}))
		require.Error(t, s.Validate(map[string]any{"phone": "555-0001"}))
	})

	t.Run("one of", func(t *testing.T) {
		t.Parallel()

		s := schema.New().Field("destination_type", schema.OneOf("phone", "email", "whatsapp"))
		require.NoError(t, s.Validate(map[string]any{"destination_type": "whatsapp"}))
		require.Error(t, s.Validate(map[string]any{"destination_type": "fax"}))
	})

	t.Run("type rules", func(t *testing.T) {
		t.Parallel()

		s := schema.New().
			Field("remember", schema.Bool()).
			Field("others", schema.Map()).
			Field("name", schema.String())

		require.NoError(t, s.Validate(map[string]any{
			"remember": true,
			"others":   map[string]any{"k": "v"},
			"name":     "CI",
		}))
		require.Error(t, s.Validate(map[string]any{"remember": "yes"}))
		require.Error(t, s.Validate(map[string]any{"others": "nope"}))
		require.Error(t, s.Validate(map[string]any{"name": 42}))
	})

	t.Run("nil schema accepts anything", func(t *testing.T) {
		t.Parallel()

		var s *schema.Schema
		require.NoError(t, s.Validate(map[string]any{"anything": 1}))
	})

	t.Run("fields returns declaration order", func(t *testing.T) {
		t.Parallel()

		s := schema.New().
			Field("email", schema.Required()).
			Field("password", schema.Required())
		assert.Equal(t, []string{"email", "password"}, s.Fields())
	})
}
