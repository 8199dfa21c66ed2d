package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalBroker_DeliversInKeyOrder(t *testing.T) {
	b := NewLocalBroker(4, 16, zap.NewNop())

	var (
		mu  sync.Mutex
		got = map[string][]string{}
		wg  sync.WaitGroup
	)
	wg.Add(6)
	b.Subscribe("t", func(ctx context.Context, msg Message) error {
		mu.Lock()
		got[msg.Key] = append(got[msg.Key], string(msg.Value))
		mu.Unlock()
		wg.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "t", "a", []byte(v)))
		require.NoError(t, b.Publish(ctx, "t", "b", []byte(v)))
	}

	waitOrFail(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, got["a"])
	assert.Equal(t, []string{"1", "2", "3"}, got["b"])
}

func TestLocalBroker_UnsubscribedTopicIsDropped(t *testing.T) {
	b := NewLocalBroker(1, 1, zap.NewNop())
	assert.NoError(t, b.Publish(context.Background(), "nobody", "k", []byte("x")))
}

func TestLocalBroker_PublishAfterClose(t *testing.T) {
	b := NewLocalBroker(1, 1, zap.NewNop())
	b.Subscribe("t", func(context.Context, Message) error { return nil })
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", "k", nil), ErrBrokerClosed)
}

func TestShardFor_Stable(t *testing.T) {
	assert.Equal(t, shardFor("transfer-42", 8), shardFor("transfer-42", 8))
	assert.Less(t, shardFor("x", 3), 3)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}
