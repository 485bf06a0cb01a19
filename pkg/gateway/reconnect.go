package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// startReconnect launches the backoff loop that tries to restore the session
// identified by gen. Separate servers reconnect independently; nothing here
// is shared across server IDs.
func (m *Manager) startReconnect(serverID string, gen uint64) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.gen != gen {
		m.mu.Unlock()
		cancel()
		return
	}
	st.cancelRetry = cancel
	m.mu.Unlock()
	go m.reconnectLoop(ctx, cancel, serverID, st, gen)
}

// reconnectLoop drives bounded exponential backoff until the session is
// restored or the retry budget runs out. The loop stands down as soon as the
// server's generation moves on: a manual Connect, Reconnect, Disconnect, or
// Close all bump it and cancel this context.
func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc, serverID string, st *serverState, gen uint64) {
	defer cancel()

	policy := m.opts.Reconnect
	bo := policy.newBackOff()

	for attempt := 1; ; attempt++ {
		if policy.MaxRetries >= 0 && attempt > policy.MaxRetries {
			m.exhaustRetries(serverID, st, gen, attempt-1)
			return
		}

		delay := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.closed || st.gen != gen || st.connecting {
			m.mu.Unlock()
			return
		}
		st.connecting = true
		st.connectCh = make(chan struct{})
		st.status = StatusReconnecting
		st.attempt = attempt
		cfg := st.config
		m.mu.Unlock()

		m.log.Info("reconnecting to server",
			zap.String("server_id", serverID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		m.emit(newEvent(EventServerReconnecting, serverID, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}))

		err := m.retryOnce(ctx, serverID, st, cfg, gen)

		m.mu.Lock()
		st.connecting = false
		close(st.connectCh)
		if err != nil && st.gen == gen {
			st.lastErr = err
			st.lastErrKind = ErrorKindOf(err)
		}
		m.mu.Unlock()

		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("reconnect attempt failed",
			zap.String("server_id", serverID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// retryOnce is one dial of the reconnect loop: same establish/discover path
// as a manual Connect, but failures leave the server in the reconnecting
// state instead of parking it in error. gen guards the install: a teardown
// racing the attempt wins and the restored session is discarded.
func (m *Manager) retryOnce(ctx context.Context, serverID string, st *serverState, cfg ServerConfig, gen uint64) error {
	session, err := m.establishSession(ctx, serverID, st, cfg)
	if err != nil {
		return err
	}
	syncCtx, cancel := context.WithTimeout(m.rootCtx, m.opts.SyncTimeout)
	set, err := session.Discover(syncCtx)
	cancel()
	if err != nil {
		_ = session.Close()
		return err
	}
	if !m.installSession(serverID, st, cfg, session, set, gen) {
		_ = session.Close()
		return newError(ErrKindConnect, serverID, "reconnect", errConnectSuperseded)
	}
	return nil
}

// exhaustRetries parks the server in the terminal error state. Only a manual
// Connect or Reconnect revives it.
func (m *Manager) exhaustRetries(serverID string, st *serverState, gen uint64, attempts int) {
	m.mu.Lock()
	if st.gen != gen {
		m.mu.Unlock()
		return
	}
	st.status = StatusError
	st.attempt = attempts
	cause := st.lastErr
	if cause == nil {
		cause = ErrServerNotActive
	}
	st.lastErr = fmt.Errorf("reconnect budget exhausted after %d attempts: %w", attempts, cause)
	if st.lastErrKind == "" {
		st.lastErrKind = ErrKindTransportLost
	}
	last := st.lastErr
	m.mu.Unlock()

	m.log.Error("reconnect budget exhausted",
		zap.String("server_id", serverID),
		zap.Int("attempts", attempts),
		zap.Error(last),
	)
	m.emit(newEvent(EventServerError, serverID, map[string]any{
		"error":    last.Error(),
		"kind":     string(ErrKindTransportLost),
		"terminal": true,
		"attempts": attempts,
	}))
}
