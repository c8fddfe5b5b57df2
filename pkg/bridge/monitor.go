package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astra-local/astra/pkg/config"
)

// Monitor probes the bridge health in the background and exposes its
// availability to the executor. While the bridge is down the probe
// interval backs off exponentially up to the configured maximum.
type Monitor struct {
	client   Client
	interval time.Duration
	maxEvery time.Duration

	available atomic.Bool

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// NewMonitor builds a monitor; call Start to begin probing.
func NewMonitor(client Client, cfg *config.BridgeConfig) *Monitor {
	return &Monitor{
		client:   client,
		interval: cfg.HealthInterval,
		maxEvery: cfg.HealthMaxInterval,
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. Stop tears it down.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	go m.loop(ctx)
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
			<-m.done
		} else {
			close(m.done)
		}
	})
}

// Available reports the last probe outcome.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	wait := m.interval
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		err := m.client.Health(probeCtx)
		cancel()

		was := m.available.Load()
		now := err == nil
		m.available.Store(now)
		if now != was {
			if now {
				slog.Info("desktop bridge is reachable")
			} else {
				slog.Warn("desktop bridge is unreachable", "error", err)
			}
		}

		if now {
			wait = m.interval
		} else {
			wait *= 2
			if wait > m.maxEvery {
				wait = m.maxEvery
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
