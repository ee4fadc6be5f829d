// Package watcher periodically observes the gateway and logs state changes.
// It is purely observational: API handlers always query fresh status, the
// watcher never feeds cached results back into responses.
package watcher

import (
	"context"
	"time"

	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/gateway"
	"openclaw-controller/pkg/backoff"
	"openclaw-controller/pkg/log"
)

const pollInterval = 5 * time.Second

// Pinger reports whether the container daemon is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// projectLister is the optional daemon-side view of the compose project,
// logged when the observed gateway state changes. The docker SDK client
// satisfies it.
type projectLister interface {
	ListComposeProject(ctx context.Context, project string) ([]docker.ContainerInfo, error)
}

// Watcher polls gateway status on a fixed cadence. While the daemon is
// unreachable it backs off instead of hammering the socket.
type Watcher struct {
	gw       *gateway.Manager
	daemon   Pinger
	interval time.Duration
	retry    *backoff.Backoff

	lastState gateway.State
}

// New creates a watcher for the given gateway manager. daemon may be nil
// when no SDK client could be constructed; polling then skips the
// reachability check.
func New(gw *gateway.Manager, daemon Pinger) *Watcher {
	return &Watcher{
		gw:       gw,
		daemon:   daemon,
		interval: pollInterval,
		retry:    backoff.New(pollInterval, 2*time.Minute),
	}
}

// Run polls until ctx is cancelled. It is meant to be started in its own
// goroutine.
func (w *Watcher) Run(ctx context.Context) {
	log.Debug("gateway watcher started", "interval", w.interval.String())
	for {
		delay := w.poll(ctx)
		select {
		case <-ctx.Done():
			log.Debug("gateway watcher stopped")
			return
		case <-time.After(delay):
		}
	}
}

// poll performs one observation and returns the delay until the next one.
func (w *Watcher) poll(ctx context.Context) time.Duration {
	if w.daemon != nil {
		if err := w.daemon.Ping(ctx); err != nil {
			delay := w.retry.Next()
			log.Warn("docker daemon unreachable, backing off",
				"error", err.Error(), "retry_in", delay.String())
			return delay
		}
	}
	w.retry.Reset()

	status := w.gw.Status(ctx)
	if status.State != w.lastState {
		log.Info("gateway state observed",
			"state", string(status.State),
			"previous", string(w.lastState),
			"healthy", status.HealthOK)
		w.logProjectContainers(ctx)
		w.lastState = status.State
	} else {
		log.Debug("gateway state unchanged", "state", string(status.State))
	}
	return w.interval
}

// logProjectContainers records the compose project's live containers when a
// state transition was observed, so the log carries the daemon's view next
// to the poll verdict.
func (w *Watcher) logProjectContainers(ctx context.Context) {
	lister, ok := w.daemon.(projectLister)
	if !ok {
		return
	}
	containers, err := lister.ListComposeProject(ctx, config.DefaultComposeProject)
	if err != nil {
		log.Debug("compose project listing failed", "error", err.Error())
		return
	}
	for _, info := range containers {
		log.Info("compose project container",
			"name", info.Name, "state", info.State, "status", info.Status)
	}
}
