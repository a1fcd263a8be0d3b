package infra

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientReservesBlockingConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, "redis://"+mr.Addr(), RedisOptions{PoolSize: 4, BlockingClients: 3})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 7, client.Options().PoolSize)

	_, err = NewRedisClient(ctx, "", RedisOptions{})
	assert.Error(t, err)

	_, err = NewRedisClient(ctx, "redis://127.0.0.1:1", RedisOptions{})
	assert.ErrorContains(t, err, "ping redis")
}
