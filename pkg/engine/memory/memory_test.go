package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
)

func usersDefinition() schema.Definition {
	return schema.Definition{
		Name:      "User",
		TableName: "users",
		Attributes: schema.Attributes{
			"id":         {Type: schema.FieldTypeInteger, PrimaryKey: true, AutoIncrement: true},
			"name":       {Type: schema.FieldTypeString, NotNull: true},
			"email":      {Type: schema.FieldTypeString, Unique: true},
			"created_at": {Type: schema.FieldTypeTimestamp, Default: schema.Now},
		},
	}
}

func TestCreateAssignsAutoIncrementAndDefaults(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := New(WithClock(func() time.Time { return fixed }))
	users := eng.MustDefine(usersDefinition())
	ctx := context.Background()

	first, err := users.Create(ctx, schema.Record{"name": "Ann"})
	require.NoError(t, err)
	second, err := users.Create(ctx, schema.Record{"name": "Bob"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, int64(2), second["id"])
	assert.Equal(t, fixed, first["created_at"])
	assert.Nil(t, first["email"])

	explicit, err := users.Create(ctx, schema.Record{"id": 10, "name": "Cy"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), explicit["id"])
	next, err := users.Create(ctx, schema.Record{"name": "Di"})
	require.NoError(t, err)
	assert.Equal(t, int64(11), next["id"], "sequence should continue after an explicit key")
}

func TestConstraints(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	ctx := context.Background()

	_, err := users.Create(ctx, schema.Record{"id": 1, "name": "Ann", "email": "a@example.com"})
	require.NoError(t, err)

	_, err = users.Create(ctx, schema.Record{"id": 1, "name": "Dup"})
	assert.ErrorIs(t, err, entity.ErrConflict)

	_, err = users.Create(ctx, schema.Record{"name": "Other", "email": "a@example.com"})
	assert.ErrorIs(t, err, entity.ErrConflict)

	_, err = users.Create(ctx, schema.Record{"email": "b@example.com"})
	assert.ErrorIs(t, err, entity.ErrInvalidRecord, "name is not null")

	_, err = users.Create(ctx, schema.Record{"name": "X", "nickname": "x"})
	assert.ErrorIs(t, err, entity.ErrInvalidRecord, "unknown column")

	assert.Equal(t, 1, users.Len())
}

func TestDefineIsIdempotent(t *testing.T) {
	eng := New()
	ctx := context.Background()

	a, err := eng.Define(ctx, usersDefinition())
	require.NoError(t, err)
	b, err := eng.Define(ctx, usersDefinition())
	require.NoError(t, err)
	assert.Same(t, a, b)

	changed := usersDefinition()
	changed.Attributes["age"] = schema.Attribute{Type: schema.FieldTypeInteger}
	_, err = eng.Define(ctx, changed)
	assert.ErrorIs(t, err, entity.ErrConflict)
}

func TestLifecycleHookOrder(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	ctx := context.Background()

	var fired []string
	for _, kind := range entity.HookKinds {
		kind := kind
		require.NoError(t, users.Hooks().AddHook(kind, "trace", func(_ context.Context, e entity.Event) error {
			fired = append(fired, string(e.Kind)+":"+string(e.Operation))
			return nil
		}))
	}

	row, err := users.Create(ctx, schema.Record{"name": "Ann"})
	require.NoError(t, err)
	_, err = users.Update(ctx, schema.Record{"id": row["id"], "name": "Annie"})
	require.NoError(t, err)
	_, err = users.Save(ctx, schema.Record{"id": row["id"], "name": "Anna"})
	require.NoError(t, err)
	_, err = users.Delete(ctx, schema.Record{"id": row["id"]})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"afterCreate:create", "afterSave:create",
		"afterUpdate:update", "afterSave:update",
		"afterSave:save",
		"afterDestroy:delete",
	}, fired)
}

func TestHookReceivesPostMutationCopy(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	ctx := context.Background()

	require.NoError(t, users.Hooks().AddHook(entity.AfterUpdate, "mutate", func(_ context.Context, e entity.Event) error {
		assert.Equal(t, "Annie", e.Record["name"])
		e.Record["name"] = "tampered"
		return nil
	}))

	row, err := users.Create(ctx, schema.Record{"name": "Ann"})
	require.NoError(t, err)
	_, err = users.Update(ctx, schema.Record{"id": row["id"], "name": "Annie"})
	require.NoError(t, err)

	stored, err := users.Find(ctx, entity.Query{Where: schema.Record{"id": row["id"]}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Annie", stored[0]["name"])
}

func TestHookErrorFailsOperation(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	boom := errors.New("boom")
	require.NoError(t, users.Hooks().AddHook(entity.AfterCreate, "fail", func(context.Context, entity.Event) error {
		return boom
	}))

	_, err := users.Create(context.Background(), schema.Record{"name": "Ann"})
	assert.ErrorIs(t, err, boom)
}

func TestFindOrderAndLimit(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	ctx := context.Background()
	for _, name := range []string{"Cy", "Ann", "Bob"} {
		_, err := users.Create(ctx, schema.Record{"name": name})
		require.NoError(t, err)
	}

	rows, err := users.Find(ctx, entity.Query{OrderBy: "name"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Ann", rows[0]["name"])

	rows, err = users.Find(ctx, entity.Query{OrderBy: "id", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0]["id"])

	rows, err = users.Find(ctx, entity.Query{Where: schema.Record{"name": "Bob"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = users.Find(ctx, entity.Query{OrderBy: "missing"})
	assert.Error(t, err)
}

func TestUpdateMissingRow(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	_, err := users.Update(context.Background(), schema.Record{"id": 99, "name": "Ghost"})
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = users.Delete(context.Background(), schema.Record{"id": 99})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCancelledContext(t *testing.T) {
	eng := New()
	users := eng.MustDefine(usersDefinition())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := users.Create(ctx, schema.Record{"name": "Ann"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, users.Len())
}
