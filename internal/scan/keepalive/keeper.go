// Package keepalive implements the liveness keeper: periodic low-cost
// writes to the shared store for the duration of one in-flight request, so
// the host runtime sees activity and does not reclaim the background
// process mid-call. It lowers the odds of a forced restart; it cannot
// eliminate one, and the coordinator still repairs state after a restart.
package keepalive

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/store"
)

// Beat is the heartbeat value written under the keepAlive key.
type Beat struct {
	At     int64  `json:"at"` // unix milliseconds
	ScanID string `json:"scan_id,omitempty"`
}

// Keeper runs at most one heartbeat loop at a time.
type Keeper struct {
	store    *store.Store
	log      *logging.Logger
	metrics  *monitoring.Metrics
	interval time.Duration

	mu      sync.Mutex
	current *Handle
}

// Handle stops one heartbeat loop. Stop is safe to call more than once and
// from any exit path.
type Handle struct {
	once sync.Once
	stop func()
}

// Stop cancels the heartbeat.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(h.stop)
}

// New creates a keeper. metrics may be nil.
func New(st *store.Store, log *logging.Logger, interval time.Duration, metrics *monitoring.Metrics) *Keeper {
	return &Keeper{
		store:    st,
		log:      log,
		metrics:  metrics,
		interval: interval,
	}
}

// Start begins the heartbeat immediately. If a loop is already running for
// the current request, the existing handle is returned unchanged.
func (k *Keeper) Start(scanID string) *Handle {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.current != nil {
		return k.current
	}

	done := make(chan struct{})
	handle := &Handle{}
	handle.stop = func() {
		close(done)
		k.mu.Lock()
		if k.current == handle {
			k.current = nil
		}
		k.mu.Unlock()
	}
	k.current = handle

	go k.run(scanID, done)
	return handle
}

func (k *Keeper) run(scanID string, done <-chan struct{}) {
	k.beat(scanID)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			k.beat(scanID)
		}
	}
}

// beat is fire-and-forget: failures are logged, never raised.
func (k *Keeper) beat(scanID string) {
	err := k.store.Set(store.KeyKeepAlive, Beat{
		At:     time.Now().UnixMilli(),
		ScanID: scanID,
	})
	if err != nil {
		k.log.Warn("keepalive heartbeat failed", zap.Error(err))
		if k.metrics != nil {
			k.metrics.KeepAliveErrors.Inc()
		}
		return
	}
	if k.metrics != nil {
		k.metrics.KeepAliveBeats.Inc()
	}
}
