package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestGetOrSetJSON_Miss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	ctx := context.Background()
	key := KeyEventSummary(7)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, `{"id":7,"name":"Opera"}`, time.Minute).SetVal("OK")

	calls := 0
	got, err := GetOrSetJSON(ctx, c, key, time.Minute, func(ctx context.Context) (summary, error) {
		calls++
		return summary{ID: 7, Name: "Opera"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, summary{ID: 7, Name: "Opera"}, got)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_Hit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	key := KeyEventSummary(7)

	mock.ExpectGet(key).SetVal(`{"id":7,"name":"Opera"}`)

	got, err := GetOrSetJSON(context.Background(), c, key, time.Minute, func(ctx context.Context) (summary, error) {
		t.Fatal("loader must not run on a hit")
		return summary{}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Opera", got.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_LoaderError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	key := KeyEventSummary(9)
	errBoom := errors.New("boom")

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()

	_, err := GetOrSetJSON(context.Background(), c, key, time.Minute, func(ctx context.Context) (summary, error) {
		return summary{}, errBoom
	})

	assert.ErrorIs(t, err, errBoom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_InvalidateEvent(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)

	mock.ExpectDel(KeyEventSummary(3)).SetVal(1)

	require.NoError(t, c.InvalidateEvent(context.Background(), 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}
