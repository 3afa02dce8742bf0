package shutdown

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"nftmarket/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownOrder(t *testing.T) {
	m := New(time.Second, logging.Discard())

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	m.Register("journal", OrderCloseStores, record("journal"))
	m.Register("server", OrderStopServer, record("server"))
	m.Register("rpc", OrderCloseRPC, record("rpc"))
	m.Register("wallet", OrderDisconnectWallet, record("wallet"))
	m.Register("cache", OrderCloseStores, record("cache"))

	assert.Equal(t, []string{"server", "wallet", "journal", "cache", "rpc"}, m.Names())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"server", "wallet", "journal", "cache", "rpc"}, ran)
	assert.Error(t, m.Context().Err())
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := New(time.Second, logging.Discard())
	boom := stderrors.New("boom")

	calls := 0
	m.Register("sink", OrderFlushSink, func(ctx context.Context) error { return boom })
	m.Register("journal", OrderCloseStores, func(ctx context.Context) error {
		calls++
		return nil
	})

	err := m.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sink")
	assert.Equal(t, 1, calls, "失败不影响后续处理")
}

func TestShutdownOnce(t *testing.T) {
	m := New(time.Second, logging.Discard())
	calls := 0
	m.Register("wallet", OrderDisconnectWallet, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Wait())
	assert.Equal(t, 1, calls)
}

func TestShutdownTimeout(t *testing.T) {
	m := New(20*time.Millisecond, logging.Discard())
	skipped := true
	m.Register("slow", OrderStopServer, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Register("after", OrderCloseRPC, func(ctx context.Context) error {
		skipped = false
		return nil
	})

	err := m.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}
