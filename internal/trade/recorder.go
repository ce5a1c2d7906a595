package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/store"
)

// Recorder is the engine's event sink: it appends every committed event to
// the store and pushes it to WebSocket subscribers. A failed insert is
// counted and logged; the instruction itself has already committed.
type Recorder struct {
	store  store.Store
	hub    *WSHub // optional
	logger *slog.Logger
}

var _ engine.EventSink = (*Recorder)(nil)

// NewRecorder creates a recorder. hub may be nil.
func NewRecorder(st store.Store, hub *WSHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, hub: hub, logger: logger.With("component", "recorder")}
}

// Publish implements engine.EventSink.
func (r *Recorder) Publish(ctx context.Context, ev model.Event) {
	// The request may be gone by now; persist regardless.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.InsertEvent(ctx, &ev); err != nil {
		metrics.EventsPersistFailures.Inc()
		r.logger.Error("persist event", "id", ev.ID, "type", ev.Type, "err", err)
	}
	if r.hub != nil {
		r.hub.Broadcast(ev)
	}
}

// --- Snapshots ---

// RestoreLatest loads the newest snapshot into eng. It reports false when
// the store holds none.
func RestoreLatest(ctx context.Context, eng *engine.Engine, st store.Store) (bool, error) {
	snap, err := st.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if err := eng.Restore(*snap); err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	return true, nil
}

// SaveSnapshot exports eng and persists it.
func SaveSnapshot(ctx context.Context, eng *engine.Engine, st store.Store) error {
	snap := eng.Export()
	if err := st.SaveSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// RunSnapshots saves a snapshot every interval until ctx is cancelled, then
// saves a final one.
func RunSnapshots(ctx context.Context, eng *engine.Engine, st store.Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := SaveSnapshot(final, eng, st); err != nil {
				logger.Error("final snapshot", "err", err)
			} else {
				logger.Info("final snapshot saved")
			}
			cancel()
			return
		case <-ticker.C:
			if err := SaveSnapshot(ctx, eng, st); err != nil {
				logger.Error("periodic snapshot", "err", err)
			}
		}
	}
}
