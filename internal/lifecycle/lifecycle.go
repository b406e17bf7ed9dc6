// Package lifecycle implements the composition root: the ordered
// startup/shutdown stage sequence that wires every subsystem together and
// publishes readiness after each stage.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/predictiontrader/sidecar/internal/eventbus"
)

// StageName identifies one startup or shutdown stage by the exact name the
// lifecycle sequence uses.
type StageName string

const (
	StageConfig               StageName = "config"
	StageDB                    StageName = "db"
	StageConnectors            StageName = "connectors"
	StageRateLimiter           StageName = "rate_limiter"
	StageRestServiceBuilt      StageName = "rest_service_built"
	StageWebsocketServiceBuilt StageName = "websocket_service_built"
	StageRehydrate             StageName = "rehydrator.boot_rehydrate"
	StageHealthChecks          StageName = "dependency_health_checks"
	StageRestServiceStart      StageName = "rest_service.start"
	StageWebsocketServiceStart StageName = "websocket_service.start"
	StageConsumerStarter       StageName = "consumer_starter"
	StageRouteStarter          StageName = "route_starter"
	StageReady                 StageName = "ready"

	StageStopIntake      StageName = "stop_intake"
	StageFlushQueue      StageName = "flush_queue"
	StageCloseConnectors StageName = "close_connectors"
	StageCloseDB         StageName = "close_db"
	StageStopWebsocket   StageName = "stop websocket_service"
	StageStopRest        StageName = "stop rest_service"
	StageStopped         StageName = "stopped"
)

// StageEvent is published after every stage (success or failure).
type StageEvent struct {
	Stage StageName
	At    time.Time
	Err   string
}

// Stage is one named unit of startup or shutdown work. Blocking stages run
// synchronously and must complete before the next stage begins; non-blocking
// stages are long-lived loops started in their own goroutine (the
// "suspendable" variant) whose errors are reported asynchronously via fail.
type Stage struct {
	Name     StageName
	Run      func(ctx context.Context) error
	Blocking bool
}

// State is the point-in-time readiness/enablement snapshot the UI polls.
type State struct {
	TauriReady       bool
	UIReady          bool
	StrategyEnabled  bool
	ExecutionEnabled bool
	LastError        string
}

// Root runs an ordered startup stage list, then an ordered shutdown stage
// list, publishing a StageEvent after each stage.
type Root struct {
	startStages    []Stage
	shutdownStages []Stage
	bus            *eventbus.Bus[StageEvent]
	now            func() time.Time

	mu    sync.RWMutex
	state State

	asyncErrMu sync.Mutex
	asyncErr   error
}

// New constructs a Root from explicit stage lists. now defaults to
// time.Now when nil. bus may be nil, in which case stage events are simply
// not published anywhere.
func New(startStages, shutdownStages []Stage, bus *eventbus.Bus[StageEvent], now func() time.Time) *Root {
	if now == nil {
		now = time.Now
	}
	return &Root{startStages: startStages, shutdownStages: shutdownStages, bus: bus, now: now}
}

// Snapshot reports the current readiness/enablement state.
func (r *Root) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Start runs every startup stage in order. A blocking stage's error aborts
// startup immediately, clearing tauri_ready/ui_ready and recording
// last_error; no later stage (in particular route_starter) runs. After the
// rehydrate stage succeeds, strategy_enabled and execution_enabled flip
// true.
func (r *Root) Start(ctx context.Context) error {
	for _, st := range r.startStages {
		if st.Blocking {
			if err := st.Run(ctx); err != nil {
				r.fail(st.Name, err)
				return err
			}
			r.publish(st.Name, nil)
		} else {
			run := st.Run
			name := st.Name
			go func() {
				if err := run(ctx); err != nil {
					r.fail(name, err)
				}
			}()
			r.publish(st.Name, nil)
		}

		if st.Name == StageRehydrate {
			r.mu.Lock()
			r.state.StrategyEnabled = true
			r.state.ExecutionEnabled = true
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	r.state.TauriReady = true
	r.state.UIReady = true
	r.mu.Unlock()
	r.publish(StageReady, nil)
	return nil
}

// Shutdown runs every shutdown stage in order, stopping at the first error.
// Each hook is invoked regardless of whether the corresponding component
// was actually started, so a hook that targets a never-built resource must
// itself be a no-op.
func (r *Root) Shutdown(ctx context.Context) error {
	for _, st := range r.shutdownStages {
		if err := st.Run(ctx); err != nil {
			r.publish(st.Name, err)
			return err
		}
		r.publish(st.Name, nil)
	}
	r.publish(StageStopped, nil)
	return nil
}

// AsyncError returns the first error reported by a non-blocking stage, if
// any, for diagnostics after the fact.
func (r *Root) AsyncError() error {
	r.asyncErrMu.Lock()
	defer r.asyncErrMu.Unlock()
	return r.asyncErr
}

func (r *Root) fail(stage StageName, err error) {
	r.mu.Lock()
	r.state.LastError = err.Error()
	r.state.TauriReady = false
	r.state.UIReady = false
	r.mu.Unlock()

	r.asyncErrMu.Lock()
	if r.asyncErr == nil {
		r.asyncErr = err
	}
	r.asyncErrMu.Unlock()

	r.publish(stage, err)
}

func (r *Root) publish(stage StageName, err error) {
	if r.bus == nil {
		return
	}
	ev := StageEvent{Stage: stage, At: r.now()}
	if err != nil {
		ev.Err = err.Error()
	}
	r.bus.TryPublish(ev)
}
