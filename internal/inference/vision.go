package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// visionManager lazy-loads the vision model on first use and unloads it
// after the idle window. A failed load surfaces per-request; the primary
// model is never affected.
type visionManager struct {
	load VisionLoader
	idle time.Duration
	log  *slog.Logger

	mu      sync.Mutex
	backend Backend
	timer   *time.Timer
}

func newVisionManager(load VisionLoader, idle time.Duration, log *slog.Logger) *visionManager {
	return &visionManager{load: load, idle: idle, log: log}
}

func (v *visionManager) get(ctx context.Context) (Backend, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.backend == nil {
		if v.load == nil {
			return nil, ErrVisionUnavailable
		}
		b, err := v.load(ctx)
		if err != nil {
			return nil, err
		}
		v.backend = b
		v.log.Info("vision model loaded", "model", b.Name())
	}
	v.touchLocked()
	return v.backend, nil
}

// touchLocked resets the idle-unload timer. Caller holds v.mu.
func (v *visionManager) touchLocked() {
	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(v.idle, v.unload)
}

func (v *visionManager) unload() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return
	}
	v.log.Info("vision model idle-unloaded", "model", v.backend.Name())
	v.backend = nil
}
