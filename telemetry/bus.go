package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniswap/walletcore"
)

var ErrBusClosed = errors.New("notification bus is closed")

// Handler receives pending notifications.
type Handler func(ctx context.Context, n walletcore.PendingNotification)

// Bus is an in-memory notification bus implementing walletcore.Notifier. Notifications are
// delivered in order on one goroutine; when the buffer is full they are dropped.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan walletcore.PendingNotification
}

// NewBus starts a bus with the given buffer size.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[string]Handler),
		logger:   logger.Named("notifications"),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan walletcore.PendingNotification, bufferSize),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers h and returns the function removing it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	id := uuid.New().String()
	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()

	b.logger.Debug("handler subscribed", zap.String("subscription_id", id))
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// NotifyPending implements walletcore.Notifier. It never blocks.
func (b *Bus) NotifyPending(_ context.Context, n walletcore.PendingNotification) {
	if err := b.publish(n); err != nil {
		b.logger.Warn("dropping notification",
			zap.String("tx_id", n.TxID),
			zap.Uint64("chain_id", n.ChainID),
			zap.Error(err))
	}
}

func (b *Bus) publish(n walletcore.PendingNotification) error {
	select {
	case <-b.ctx.Done():
		return ErrBusClosed
	default:
	}
	select {
	case b.events <- n:
		return nil
	default:
		return errors.New("notification buffer full")
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.events:
			b.dispatch(n)
		}
	}
}

func (b *Bus) dispatch(n walletcore.PendingNotification) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, n)
	}
}

func (b *Bus) safeCall(h Handler, n walletcore.PendingNotification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panicked",
				zap.String("tx_id", n.TxID),
				zap.Any("panic", r))
		}
	}()
	h(b.ctx, n)
}

// Close stops delivery. Buffered notifications not yet dispatched are dropped.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}
