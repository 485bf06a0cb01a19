package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// startHealth launches the periodic liveness probe for a freshly installed
// session. Probes run out-of-band: a slow or failing probe never delays an
// in-flight invocation, and probes for different servers never serialize.
func (m *Manager) startHealth(serverID string, session *Session, gen uint64) {
	if m.opts.Health.Disabled {
		return
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.gen != gen {
		m.mu.Unlock()
		cancel()
		return
	}
	st.cancelHealth = cancel
	m.mu.Unlock()
	go m.healthLoop(ctx, cancel, serverID, session, gen)
}

// healthLoop pings the session on a fixed interval and reports it dead after
// the configured number of consecutive failures. A single successful probe
// resets the failure count.
func (m *Manager) healthLoop(ctx context.Context, cancel context.CancelFunc, serverID string, session *Session, gen uint64) {
	defer cancel()

	opts := m.opts.Health
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := session.Ping(ctx, opts.ProbeTimeout)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if failures > 0 {
				m.log.Debug("health probe recovered",
					zap.String("server_id", serverID),
					zap.Int("previous_failures", failures),
				)
			}
			failures = 0
			continue
		}

		failures++
		m.log.Warn("health probe failed",
			zap.String("server_id", serverID),
			zap.Int("consecutive_failures", failures),
			zap.Int("threshold", opts.FailureThreshold),
			zap.Error(err),
		)
		if failures >= opts.FailureThreshold {
			m.sessionLost(serverID, gen, newError(ErrKindTransportLost, serverID, "health",
				fmt.Errorf("%d consecutive probe failures: %w", failures, err)))
			return
		}
	}
}
