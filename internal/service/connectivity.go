package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/pkg/apierror"
)

// Pinger checks whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityMonitor tracks whether the backend is reachable. Remote call
// outcomes are fed in through Observe; while offline a ping loop checks the
// backend. OnOnline callbacks run on every offline to online transition.
type ConnectivityMonitor struct {
	pinger   Pinger
	interval time.Duration
	bus      *EventBus
	log      *zap.Logger

	online atomic.Bool

	mu       sync.Mutex
	onOnline []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectivityMonitor creates a monitor that starts out online.
func NewConnectivityMonitor(pinger Pinger, interval time.Duration, bus *EventBus, log *zap.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &ConnectivityMonitor{
		pinger:   pinger,
		interval: interval,
		bus:      bus,
		log:      logger.OrNop(log).Named("connectivity"),
	}
	m.online.Store(true)
	return m
}

// Online reports whether the backend is believed reachable. A nil monitor
// is always online.
func (m *ConnectivityMonitor) Online() bool {
	if m == nil {
		return true
	}
	return m.online.Load()
}

// OnOnline registers fn to run on every offline to online transition.
func (m *ConnectivityMonitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// Observe records the outcome of a remote call. Only NetworkUnavailable
// means offline; any other answer proves the backend is reachable.
func (m *ConnectivityMonitor) Observe(err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.ReportSuccess()
	case apierror.Is(err, apierror.CodeNetworkUnavailable):
		m.ReportFailure(err)
	case apierror.CodeOf(err) == "":
		// Errors without a code (e.g. cancellation) say nothing about the link.
	default:
		m.ReportSuccess()
	}
}

// ReportSuccess marks the backend reachable.
func (m *ConnectivityMonitor) ReportSuccess() {
	if m == nil || m.online.Swap(true) {
		return
	}
	m.log.Info("backend reachable again")
	m.bus.Publish(Event{Type: EventConnectivityChanged, Data: ConnectivityEvent{Online: true}})

	m.mu.Lock()
	hooks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// ReportFailure marks the backend unreachable.
func (m *ConnectivityMonitor) ReportFailure(err error) {
	if m == nil || !m.online.Swap(false) {
		return
	}
	m.log.Warn("backend unreachable, working offline", zap.Error(err))
	m.bus.Publish(Event{Type: EventConnectivityChanged, Data: ConnectivityEvent{Online: false}})
}

// Check pings the backend once and records the outcome.
func (m *ConnectivityMonitor) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.pinger.Ping(ctx)
	if err != nil {
		m.ReportFailure(err)
		return err
	}
	m.ReportSuccess()
	return nil
}

// Start runs the ping loop until Stop.
func (m *ConnectivityMonitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.pingLoop(ctx)

	m.log.Info("connectivity monitor started", zap.Duration("ping_interval", m.interval))
	return nil
}

// Stop stops the ping loop.
func (m *ConnectivityMonitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	return waitGroupWithContext(ctx, &m.wg)
}

func (m *ConnectivityMonitor) pingLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Online() {
				_ = m.Check(ctx)
			}
		}
	}
}

// waitGroupWithContext waits for wg or gives up when ctx is done.
func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
