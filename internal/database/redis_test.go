package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr()+"/0", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Equal(t, 3*time.Second, client.Options().DialTimeout)
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	_, err = ConnectRedis(context.Background(), "", "judge-test")
	require.Error(t, err)

	_, err = ConnectRedis(context.Background(), "://bad", "judge-test")
	require.Error(t, err)
}
