package traffic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/penwyp/club-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Incr(t *testing.T) {
	logger.InitTestLogger()
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)

	key := "cg:ratelimit:auth:10.0.0.1"
	window := 15 * time.Minute

	mock.ExpectEvalSha(windowScript.Hash(), []string{key}, window.Milliseconds()).
		SetVal([]interface{}{int64(3), int64(840000)})

	before := time.Now()
	count, reset, err := store.Incr(context.Background(), key, window)
	require.NoError(t, err)

	assert.Equal(t, int64(3), count)
	// 重置时间约为当前时间加剩余 TTL
	assert.WithinDuration(t, before.Add(840000*time.Millisecond), reset, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 键无 TTL 时按完整窗口计算重置时间
func TestRedisStore_IncrWithoutTTL(t *testing.T) {
	logger.InitTestLogger()
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)

	key := "cg:ratelimit:general:10.0.0.1"
	window := time.Minute

	mock.ExpectEvalSha(windowScript.Hash(), []string{key}, window.Milliseconds()).
		SetVal([]interface{}{int64(1), int64(-1)})

	before := time.Now()
	count, reset, err := store.Incr(context.Background(), key, window)
	require.NoError(t, err)

	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, before.Add(window), reset, time.Second)
}

func TestRedisStore_IncrError(t *testing.T) {
	logger.InitTestLogger()
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)

	key := "cg:ratelimit:general:10.0.0.1"
	mock.ExpectEvalSha(windowScript.Hash(), []string{key}, time.Minute.Milliseconds()).
		SetErr(errors.New("connection refused"))

	_, _, err := store.Incr(context.Background(), key, time.Minute)
	assert.Error(t, err)
}
