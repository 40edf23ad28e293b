package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/eventbus-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// State is the connection manager lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Signal names an inbound event that forces a reconnect
type Signal string

const (
	SignalBlocked           Signal = "blocked"
	SignalCallbackException Signal = "callback_exception"
	SignalShutdown          Signal = "shutdown"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// DefaultRetryCount is the number of connect attempts before giving up
const DefaultRetryCount = 5

// ConnectionManager owns the single long-lived broker connection.
// Every connect attempt, including reconnects triggered by broker signals,
// runs under one mutex.
type ConnectionManager struct {
	dialer     Dialer
	retryCount int
	logger     logrus.Ext1FieldLogger
	sleep      reliability.Sleeper

	mu sync.Mutex // connect guard

	stateMu sync.RWMutex
	conn    Connection
	state   State

	disposed     atomic.Bool
	done         chan struct{}
	callbackErrs chan error

	listeners   []ConnectionStateListener
	listenersMu sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger logrus.Ext1FieldLogger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithRetryCount sets the number of connect attempts made by TryConnect
func WithRetryCount(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if count > 0 {
			cm.retryCount = count
		}
	}
}

// WithSleeper replaces the wait between connect attempts
func WithSleeper(sleep reliability.Sleeper) ConnectionOption {
	return func(cm *ConnectionManager) {
		if sleep != nil {
			cm.sleep = sleep
		}
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.listeners = append(cm.listeners, listener)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(dialer Dialer, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:       dialer,
		retryCount:   DefaultRetryCount,
		logger:       logrus.StandardLogger(),
		sleep:        reliability.Sleep,
		state:        StateDisconnected,
		done:         make(chan struct{}),
		callbackErrs: make(chan error, 1),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// IsConnected reports whether the connection is open and the manager not disposed
func (cm *ConnectionManager) IsConnected() bool {
	if cm.disposed.Load() {
		return false
	}

	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	return cm.state
}

// TryConnect connects under the bounded exponential retry policy.
// It returns false once the retries are exhausted.
func (cm *ConnectionManager) TryConnect(ctx context.Context) bool {
	cm.logger.Info("RabbitMQ client is trying to connect")

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.disposed.Load() {
		return false
	}
	if cm.IsConnected() {
		return true
	}

	return cm.connectLocked(ctx)
}

// CreateChannel opens a channel on the current connection
func (cm *ConnectionManager) CreateChannel() (Channel, error) {
	if !cm.IsConnected() {
		return nil, ErrNotConnected
	}

	cm.stateMu.RLock()
	conn := cm.conn
	cm.stateMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// ReportCallbackException raises the callback-exception reconnect signal
func (cm *ConnectionManager) ReportCallbackException(err error) {
	if cm.disposed.Load() {
		return
	}

	select {
	case cm.callbackErrs <- err:
	default:
	}
}

// Dispose closes the connection. It is idempotent and never returns an error;
// close failures are logged.
func (cm *ConnectionManager) Dispose() error {
	if !cm.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(cm.done)

	cm.stateMu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisposed
	cm.stateMu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.WithError(err).Errorf("An error occurred at Dispose (%v)", err)
		}
	}

	return nil
}

// connectLocked dials with retries; cm.mu must be held
func (cm *ConnectionManager) connectLocked(ctx context.Context) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	cm.setState(StateConnecting)

	var conn Connection
	policy := reliability.NewExponential(cm.retryCount, IsTransient)
	err := reliability.Retry(ctx, policy, func() error {
		c, err := cm.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		reliability.WithOperation("connect"),
		reliability.WithSleeper(cm.sleep),
		reliability.WithOnRetry(func(err error, attempt int, delay time.Duration) {
			cm.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warnf("RabbitMQ client could not connect after %.1fs (%v)", delay.Seconds(), err)
			cm.notifyReconnecting(attempt + 1)
		}),
	)

	if err == nil && (conn == nil || conn.IsClosed()) {
		err = ErrConnectFailed
	}
	if err != nil {
		cm.setState(StateDisconnected)
		cm.logger.WithError(err).Error("FATAL ERROR: RabbitMQ connections could not be created and opened")
		cm.notifyDisconnected(&ConnectionError{Op: "connect", Err: err, Timestamp: time.Now(), Attempts: cm.retryCount})
		return false
	}

	// listen before the connection is visible so no shutdown goes unseen
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocks := conn.NotifyBlocked(make(chan amqp.Blocking, 4))

	cm.stateMu.Lock()
	if cm.disposed.Load() {
		cm.stateMu.Unlock()
		_ = conn.Close()
		return false
	}
	cm.conn = conn
	cm.state = StateConnected
	cm.stateMu.Unlock()

	// drop callback reports that belong to a previous connection
	select {
	case <-cm.callbackErrs:
	default:
	}

	go cm.watch(conn, closes, blocks)

	cm.logger.Info("RabbitMQ client acquired a persistent connection")
	cm.notifyConnected()

	return true
}

// watch turns broker notifications for conn into reconnect signals
func (cm *ConnectionManager) watch(conn Connection, closes <-chan *amqp.Error, blocks <-chan amqp.Blocking) {
	for {
		select {
		case err, ok := <-closes:
			if !ok || err == nil {
				// closed without a reason; ignored by handleSignal when
				// we closed it ourselves
				cm.handleSignal(conn, SignalShutdown, amqp.ErrClosed)
				return
			}
			cm.handleSignal(conn, SignalShutdown, err)
			return

		case b, ok := <-blocks:
			if !ok {
				// closed alongside closes on shutdown; let closes decide
				blocks = nil
				continue
			}
			if !b.Active {
				continue
			}
			cm.handleSignal(conn, SignalBlocked, fmt.Errorf("connection blocked: %s", b.Reason))
			return

		case err := <-cm.callbackErrs:
			cm.handleSignal(conn, SignalCallbackException, err)
			return

		case <-cm.done:
			return
		}
	}
}

// handleSignal moves a connected manager back to connecting and reconnects
func (cm *ConnectionManager) handleSignal(conn Connection, signal Signal, cause error) {
	if cm.disposed.Load() {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.stateMu.RLock()
	current := cm.conn
	cm.stateMu.RUnlock()
	if cm.disposed.Load() || current != conn {
		return
	}

	cm.logger.WithError(cause).WithField("signal", string(signal)).
		Warn("A RabbitMQ connection signalled a failure. Trying to re-connect...")
	cm.notifyDisconnected(cause)

	cm.stateMu.Lock()
	cm.conn = nil
	cm.stateMu.Unlock()

	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.WithError(err).Debug("closing the previous connection failed")
		}
	}

	cm.connectLocked(context.Background())
}

func (cm *ConnectionManager) setState(state State) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	if cm.state != StateDisposed {
		cm.state = state
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.listeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.listeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.listeners {
		go listener.OnReconnecting(attempt)
	}
}
