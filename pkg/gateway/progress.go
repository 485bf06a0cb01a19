package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// progressSink receives relayed progress notifications. *mcp.ServerSession
// satisfies it.
type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressCarrier is any request params type that can carry a progress token
// in its meta, which all mcp params types do.
type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressCleanupGrace keeps a token registered briefly after its call
// completes, so trailing notifications still in flight find their sink.
const progressCleanupGrace = 250 * time.Millisecond

// progressTracker correlates upstream progress notifications with the
// downstream session that issued the forwarded call. Tokens are tracked per
// upstream server, so two servers reusing the same token value never cross.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu    sync.RWMutex
	sinks map[string]progressEntry

	log   *zap.Logger
	grace time.Duration
}

type progressEntry struct {
	sink progressSink
	seq  uint64
}

func newProgressTracker(log *zap.Logger) *progressTracker {
	return &progressTracker{
		sinks: make(map[string]progressEntry),
		log:   log,
		grace: progressCleanupGrace,
	}
}

// track ensures the outgoing params carry a usable progress token and binds
// that token to the sink for the duration of the call. The returned func
// unbinds after the grace period.
func (t *progressTracker) track(serverID string, sink progressSink, carrier progressCarrier) func() {
	if sink == nil || carrier == nil {
		return func() {}
	}
	token, ok := t.ensureToken(serverID, carrier)
	if !ok {
		return func() {}
	}
	return t.register(serverID, token, sink)
}

// ensureToken normalizes a caller-supplied progress token or mints one when
// the call carries none.
func (t *progressTracker) ensureToken(serverID string, carrier progressCarrier) (any, bool) {
	if existing := carrier.GetProgressToken(); existing != nil {
		normalized, ok := normalizeProgressToken(existing)
		if !ok {
			t.log.Warn("unsupported progress token",
				zap.String("server_id", serverID),
				zap.Any("token", existing))
			return nil, false
		}
		if normalized != existing {
			ensureMeta(carrier)
			carrier.SetProgressToken(normalized)
		}
		return normalized, true
	}
	ensureMeta(carrier)
	token := fmt.Sprintf("toolgate/%s/%d", serverID, t.counter.Add(1))
	carrier.SetProgressToken(token)
	return token, true
}

func (t *progressTracker) register(serverID string, token any, sink progressSink) func() {
	key, ok := progressKey(serverID, token)
	if !ok {
		return func() {}
	}
	seq := t.seq.Add(1)
	t.mu.Lock()
	t.sinks[key] = progressEntry{sink: sink, seq: seq}
	t.mu.Unlock()
	return func() {
		if t.grace <= 0 {
			t.remove(key, seq)
			return
		}
		time.AfterFunc(t.grace, func() { t.remove(key, seq) })
	}
}

// remove drops the binding unless a newer registration reused the key.
func (t *progressTracker) remove(key string, seq uint64) {
	t.mu.Lock()
	if current, ok := t.sinks[key]; ok && current.seq == seq {
		delete(t.sinks, key)
	}
	t.mu.Unlock()
}

// lookup returns the sink bound to a token, or nil.
func (t *progressTracker) lookup(serverID string, token any) progressSink {
	key, ok := progressKey(serverID, token)
	if !ok {
		return nil
	}
	t.mu.RLock()
	sink := t.sinks[key].sink
	t.mu.RUnlock()
	return sink
}

// progressKey normalizes a token and folds it into a per-server map key.
func progressKey(serverID string, token any) (string, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return "", false
	}
	switch v := normalized.(type) {
	case string:
		return serverID + "\x00s:" + v, true
	case int64:
		return fmt.Sprintf("%s\x00i:%d", serverID, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken collapses the JSON shapes a token arrives in down
// to string or int64, so a token sent as 3 and echoed back as 3.0 still
// matches.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return normalizeProgressToken(f)
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func ensureMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
