package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/rabbitmq/rabbitmqtest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures requested delays without waiting
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// MockConnectionStateListener tracks connection state changes
type MockConnectionStateListener struct {
	mu                sync.Mutex
	connectedCount    int
	disconnectedCount int
	reconnectingCount int
}

func (m *MockConnectionStateListener) OnConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedCount++
}

func (m *MockConnectionStateListener) OnDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectedCount++
}

func (m *MockConnectionStateListener) OnReconnecting(attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectingCount++
}

func (m *MockConnectionStateListener) GetStats() (connected, disconnected, reconnecting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedCount, m.disconnectedCount, m.reconnectingCount
}

func newManager(t *testing.T, broker *rabbitmqtest.Broker, opts ...rabbitmq.ConnectionOption) (*rabbitmq.ConnectionManager, *recordingSleeper, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	sleeper := &recordingSleeper{}

	options := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithSleeper(sleeper.sleep),
	}, opts...)

	cm := rabbitmq.NewConnectionManager(broker, options...)
	t.Cleanup(func() { _ = cm.Dispose() })
	return cm, sleeper, hook
}

func TestConnectionManagerTryConnect(t *testing.T) {
	t.Run("connects on first attempt", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		listener := &MockConnectionStateListener{}
		cm, sleeper, _ := newManager(t, broker, rabbitmq.WithStateListener(listener))

		assert.Equal(t, rabbitmq.StateDisconnected, cm.State())
		assert.False(t, cm.IsConnected())

		require.True(t, cm.TryConnect(context.Background()))
		assert.True(t, cm.IsConnected())
		assert.Equal(t, rabbitmq.StateConnected, cm.State())
		assert.Equal(t, 1, broker.Dials())
		assert.Empty(t, sleeper.Delays())

		assert.Eventually(t, func() bool {
			connected, _, _ := listener.GetStats()
			return connected == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("second call is a no-op while connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)

		require.True(t, cm.TryConnect(context.Background()))
		require.True(t, cm.TryConnect(context.Background()))
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("attempts equal the retry count under continuous unavailability", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(-1, nil)
		cm, sleeper, hook := newManager(t, broker)

		assert.False(t, cm.TryConnect(context.Background()))
		assert.False(t, cm.IsConnected())
		assert.Equal(t, rabbitmq.StateDisconnected, cm.State())
		assert.Equal(t, 5, broker.Dials())
		assert.Equal(t, []time.Duration{
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		}, sleeper.Delays())

		last := hook.LastEntry()
		require.NotNil(t, last)
		assert.Equal(t, logrus.ErrorLevel, last.Level)
		assert.Contains(t, last.Message, "FATAL ERROR")

		warnings := 0
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.WarnLevel {
				warnings++
			}
		}
		assert.Equal(t, 4, warnings)
	})

	t.Run("honours a custom retry count", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(-1, nil)
		cm, _, _ := newManager(t, broker, rabbitmq.WithRetryCount(3))

		assert.False(t, cm.TryConnect(context.Background()))
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(2, nil)
		listener := &MockConnectionStateListener{}
		cm, sleeper, _ := newManager(t, broker, rabbitmq.WithStateListener(listener))

		assert.True(t, cm.TryConnect(context.Background()))
		assert.Equal(t, 3, broker.Dials())
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.Delays())

		assert.Eventually(t, func() bool {
			_, _, reconnecting := listener.GetStats()
			return reconnecting == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("does not retry non-transient errors", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(-1, errors.New("ACCESS_REFUSED"))
		cm, sleeper, _ := newManager(t, broker)

		assert.False(t, cm.TryConnect(context.Background()))
		assert.Equal(t, 1, broker.Dials())
		assert.Empty(t, sleeper.Delays())
	})

	t.Run("concurrent callers share one connect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.True(t, cm.TryConnect(context.Background()))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, broker.Dials())
		assert.Len(t, broker.Connections(), 1)
	})
}

func TestConnectionManagerCreateChannel(t *testing.T) {
	t.Run("fails when not connected", func(t *testing.T) {
		cm, _, _ := newManager(t, rabbitmqtest.NewBroker())

		ch, err := cm.CreateChannel()
		assert.Nil(t, ch)
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("opens a channel on the current connection", func(t *testing.T) {
		cm, _, _ := newManager(t, rabbitmqtest.NewBroker())
		require.True(t, cm.TryConnect(context.Background()))

		ch, err := cm.CreateChannel()
		require.NoError(t, err)
		assert.False(t, ch.IsClosed())
	})

	t.Run("wraps broker refusals", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		require.True(t, cm.TryConnect(context.Background()))

		broker.FailChannels(errors.New("channel_max reached"))
		_, err := cm.CreateChannel()

		var chanErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "create channel", chanErr.Op)
	})
}

func TestConnectionManagerReconnect(t *testing.T) {
	signals := []struct {
		name    string
		trigger func(cm *rabbitmq.ConnectionManager, conn *rabbitmqtest.Connection)
	}{
		{"shutdown", func(_ *rabbitmq.ConnectionManager, conn *rabbitmqtest.Connection) {
			conn.Shutdown("CONNECTION_FORCED - broker forced connection closure")
		}},
		{"blocked", func(_ *rabbitmq.ConnectionManager, conn *rabbitmqtest.Connection) {
			conn.Block("low on memory")
		}},
		{"callback exception", func(cm *rabbitmq.ConnectionManager, _ *rabbitmqtest.Connection) {
			cm.ReportCallbackException(errors.New("consumer panicked"))
		}},
	}

	for _, tt := range signals {
		t.Run(tt.name+" triggers a reconnect", func(t *testing.T) {
			broker := rabbitmqtest.NewBroker()
			listener := &MockConnectionStateListener{}
			cm, _, _ := newManager(t, broker, rabbitmq.WithStateListener(listener))
			require.True(t, cm.TryConnect(context.Background()))
			first := broker.LastConnection()

			tt.trigger(cm, first)

			require.Eventually(t, func() bool {
				return broker.Dials() == 2 && cm.IsConnected()
			}, time.Second, 5*time.Millisecond)
			assert.True(t, first.IsClosed())
			assert.NotSame(t, first, broker.LastConnection())
			assert.Equal(t, rabbitmq.StateConnected, cm.State())

			assert.Eventually(t, func() bool {
				connected, disconnected, _ := listener.GetStats()
				return connected == 2 && disconnected == 1
			}, time.Second, 5*time.Millisecond)
		})
	}

	t.Run("every shutdown reconnects", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		require.True(t, cm.TryConnect(context.Background()))

		for i := 0; i < 100; i++ {
			broker.LastConnection().Shutdown("CONNECTION_FORCED")

			want := i + 2
			require.Eventually(t, func() bool {
				return broker.Dials() == want && cm.IsConnected()
			}, time.Second, time.Millisecond, "shutdown %d did not reconnect", i+1)
		}
		assert.Equal(t, rabbitmq.StateConnected, cm.State())
	})

	t.Run("signals from a replaced connection are ignored", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		require.True(t, cm.TryConnect(context.Background()))
		first := broker.LastConnection()

		first.Shutdown("forced")
		require.Eventually(t, func() bool { return broker.Dials() == 2 && cm.IsConnected() }, time.Second, 5*time.Millisecond)

		first.Block("late")
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 2, broker.Dials())
	})

	t.Run("reconnect gives up after the retry count", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, sleeper, _ := newManager(t, broker, rabbitmq.WithRetryCount(2))
		require.True(t, cm.TryConnect(context.Background()))

		broker.FailDials(-1, nil)
		broker.LastConnection().Shutdown("forced")

		require.Eventually(t, func() bool {
			return broker.Dials() == 3 && cm.State() == rabbitmq.StateDisconnected
		}, time.Second, 5*time.Millisecond)
		assert.False(t, cm.IsConnected())
		assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Delays())
	})
}

func TestConnectionManagerDispose(t *testing.T) {
	t.Run("closes the connection and is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		require.True(t, cm.TryConnect(context.Background()))
		conn := broker.LastConnection()

		assert.NoError(t, cm.Dispose())
		assert.NoError(t, cm.Dispose())

		assert.True(t, conn.IsClosed())
		assert.False(t, cm.IsConnected())
		assert.Equal(t, rabbitmq.StateDisposed, cm.State())
	})

	t.Run("disposed manager neither connects nor reconnects", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		require.NoError(t, cm.Dispose())

		assert.False(t, cm.TryConnect(context.Background()))
		cm.ReportCallbackException(errors.New("ignored"))
		assert.Equal(t, 0, broker.Dials())

		_, err := cm.CreateChannel()
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("dispose without a connection succeeds", func(t *testing.T) {
		cm, _, _ := newManager(t, rabbitmqtest.NewBroker())
		assert.NoError(t, cm.Dispose())
	})
}

func TestConnectionManagerStateListeners(t *testing.T) {
	t.Run("removed listeners are not notified", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _, _ := newManager(t, broker)
		kept := &MockConnectionStateListener{}
		removed := &MockConnectionStateListener{}

		cm.AddStateListener(kept)
		cm.AddStateListener(removed)
		cm.RemoveStateListener(removed)

		require.True(t, cm.TryConnect(context.Background()))

		assert.Eventually(t, func() bool {
			connected, _, _ := kept.GetStats()
			return connected == 1
		}, time.Second, 5*time.Millisecond)
		connected, _, _ := removed.GetStats()
		assert.Equal(t, 0, connected)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", rabbitmq.StateDisconnected.String())
	assert.Equal(t, "connecting", rabbitmq.StateConnecting.String())
	assert.Equal(t, "connected", rabbitmq.StateConnected.String())
	assert.Equal(t, "disposed", rabbitmq.StateDisposed.String())
	assert.Equal(t, "state(9)", rabbitmq.State(9).String())
}
