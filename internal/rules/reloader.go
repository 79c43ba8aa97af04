package rules

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Reloader polls the rule files for modification and triggers an atomic
// engine reload. Each process reloads independently from the same source.
type Reloader struct {
	engine   *Engine
	files    []string
	interval time.Duration
	mtimes   map[string]time.Time
	force    chan struct{}
}

// NewReloader builds a reloader for the engine's rule files.
func NewReloader(engine *Engine, files []string, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reloader{
		engine:   engine,
		files:    files,
		interval: interval,
		mtimes:   make(map[string]time.Time),
		force:    make(chan struct{}, 1),
	}
}

// Trigger requests an immediate reload (admin rule injection events).
func (r *Reloader) Trigger() {
	select {
	case r.force <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Reload failures keep the
// previous rule set active.
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.force:
			r.reload(ctx)
		case <-ticker.C:
			if r.changed() {
				r.reload(ctx)
			}
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	if err := r.engine.Reload(ctx); err != nil {
		slog.Error("rule reload failed, keeping previous set", "error", err)
		return
	}
	r.snapshot()
}

func (r *Reloader) snapshot() {
	for _, f := range r.files {
		if info, err := os.Stat(f); err == nil {
			r.mtimes[f] = info.ModTime()
		}
	}
}

func (r *Reloader) changed() bool {
	for _, f := range r.files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if prev, ok := r.mtimes[f]; !ok || info.ModTime().After(prev) {
			return true
		}
	}
	return false
}
