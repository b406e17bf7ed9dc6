package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/predictiontrader/sidecar/internal/apiservice"
	"github.com/predictiontrader/sidecar/internal/config"
	"github.com/predictiontrader/sidecar/internal/eventbus"
	"github.com/predictiontrader/sidecar/internal/fanout"
	"github.com/predictiontrader/sidecar/internal/kalshi/client"
	"github.com/predictiontrader/sidecar/internal/kalshi/event"
	"github.com/predictiontrader/sidecar/internal/kalshi/signer"
	"github.com/predictiontrader/sidecar/internal/kalshi/stream"
	"github.com/predictiontrader/sidecar/internal/ledger"
	"github.com/predictiontrader/sidecar/internal/localauth"
	"github.com/predictiontrader/sidecar/internal/ratelimit"
	"github.com/predictiontrader/sidecar/internal/readiness"
	"github.com/predictiontrader/sidecar/internal/rehydrate"
	"github.com/predictiontrader/sidecar/internal/restapi"
)

// BotController is the out-of-scope bot-control collaborator the API
// boundary delegates to; cmd/sidecar supplies a real implementation or a
// no-op stand-in.
type BotController = apiservice.BotController

// Resources exposes the wired components callers (cmd/sidecar, tests) may
// need a handle on after Build, beyond what Root itself manages.
type Resources struct {
	DB           *sql.DB
	LedgerWriter *ledger.Writer
	Client       *client.Client
	Stream       *stream.Machine
	RateLimiter  *ratelimit.Limiter
	Fanout       *fanout.Manager
	Gate         *readiness.Gate
	EventBus     *eventbus.Bus[event.Canonical]
	RestServer   *http.Server
	WSServer     *http.Server
	StageBus     *eventbus.Bus[StageEvent]
}

// Build wires every subsystem named in the component table into the exact
// ordered stage sequence and returns the composition root plus a handle on
// the wired resources. now and bootID are injectable for deterministic
// tests; a nil now defaults to time.Now and an empty bootID gets a random
// uuid.
func Build(cfg *config.Config, controller BotController, now func() time.Time, bootID string) (*Root, *Resources, error) {
	if now == nil {
		now = time.Now
	}
	if bootID == "" {
		bootID = uuid.NewString()
	}

	res := &Resources{
		Gate:     readiness.New(),
		EventBus: eventbus.New[event.Canonical](256),
		StageBus: eventbus.New[StageEvent](64),
		// Constructed ahead of the rate_limiter stage itself so the
		// connectors stage (ordered first) already has a live limiter to
		// share; the rate_limiter stage below exists only to publish its
		// own named readiness transition in the right order.
		RateLimiter: ratelimit.New(ratelimit.Config{
			ReadRPS:         cfg.RateLimitReadRPS,
			WriteRPS:        cfg.RateLimitWriteRPS,
			WaitTimeoutSecs: cfg.RateLimitWaitTimeoutSec,
		}),
	}

	stages := []Stage{
		{Name: StageConfig, Blocking: true, Run: func(ctx context.Context) error {
			return nil // cfg is already resolved by the caller before Build runs
		}},
		{Name: StageDB, Blocking: true, Run: func(ctx context.Context) error {
			db, err := ledger.Open(ctx, cfg.LedgerPath)
			if err != nil {
				return fmt.Errorf("lifecycle: opening ledger db: %w", err)
			}
			res.DB = db
			res.LedgerWriter = ledger.NewWriter(db, ledger.Config{
				LockRetryLimit:    cfg.LedgerLockRetryLimit,
				BackoffCapSeconds: cfg.LedgerBackoffCapSecs,
			})
			return nil
		}},
		{Name: StageConnectors, Blocking: true, Run: func(ctx context.Context) error {
			sgnr := signer.New(cfg.Credential)
			res.Client = client.New(client.Config{
				BaseURL:        cfg.BaseURL,
				TimeoutSeconds: cfg.TimeoutSeconds,
				MaxAttempts:    cfg.RetryMaxAttempts,
				BackoffSeconds: cfg.RetryBackoffSecs,
			}, sgnr, res.RateLimiter)
			res.Stream = stream.New(stream.Config{
				URL:      cfg.WebsocketURL,
				Channels: []string{"orderbook_delta", "trade"},
				Tuning: stream.Tuning{
					BaseSeconds:           cfg.Stream.BaseSeconds,
					MaxSeconds:            cfg.Stream.MaxSeconds,
					JitterRatio:           cfg.Stream.JitterRatio,
					MaxRetryWindowSeconds: cfg.Stream.MaxRetryWindowSeconds,
					StableConnectSeconds:  cfg.Stream.StableConnectSeconds,
					DegradedAfterAttempts: cfg.Stream.DegradedAfterAttempts,
				},
			}, res.RateLimiter)
			return nil
		}},
		{Name: StageRateLimiter, Blocking: true, Run: func(ctx context.Context) error {
			return nil // already constructed; this stage only marks the transition
		}},
		{Name: StageRestServiceBuilt, Blocking: true, Run: func(ctx context.Context) error {
			svc := apiservice.New(res.Client, controller)
			guard := localauth.New(cfg.LocalAuthToken)
			res.RestServer = &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
				Handler: restapi.Mux(svc, guard),
			}
			return nil
		}},
		{Name: StageWebsocketServiceBuilt, Blocking: true, Run: func(ctx context.Context) error {
			res.Fanout = fanout.New(fanout.Tuning{
				MaxQueueSize:      cfg.FanoutMaxQueueSize,
				HeartbeatInterval: secondsToDuration(cfg.FanoutHeartbeatInterval),
				StaleTimeout:      secondsToDuration(cfg.FanoutStaleTimeoutSecs),
			}, now)
			mux := http.NewServeMux()
			mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				conn, err := fanout.Upgrader.Upgrade(w, r, nil)
				if err != nil {
					slog.Warn("websocket upgrade failed", "error", err)
					return
				}
				res.Fanout.Connect(r.RemoteAddr+"-"+uuid.NewString(), fanout.NewWebsocketSender(conn))
			})
			res.WSServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort+1), Handler: mux}
			return nil
		}},
		{Name: StageRehydrate, Blocking: true, Run: func(ctx context.Context) error {
			_, err := rehydrate.Run(ctx, res.DB, res.Client, res.Gate, bootID, now)
			return err
		}},
		{Name: StageHealthChecks, Blocking: true, Run: func(ctx context.Context) error {
			return res.DB.PingContext(ctx)
		}},
		{Name: StageRestServiceStart, Blocking: false, Run: func(ctx context.Context) error {
			if err := res.RestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}},
		{Name: StageWebsocketServiceStart, Blocking: false, Run: func(ctx context.Context) error {
			if err := res.WSServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}},
		{Name: StageConsumerStarter, Blocking: false, Run: func(ctx context.Context) error {
			res.LedgerWriter.Run(ctx)
			return nil
		}},
		{Name: StageConsumerStarter + "_fanout_pump", Blocking: false, Run: func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case canon, ok := <-res.EventBus.Subscribe():
					if !ok {
						return nil
					}
					_ = res.LedgerWriter.Submit(ctx, ledger.InboundEvent{
						SourceSystem:  event.Source,
						SourceEventID: fmt.Sprintf("%s-%d", canon.Schema, canon.SourceSequence),
						SourceSequence: &canon.SourceSequence,
						Payload:        canon.Payload,
					})
					_ = res.Fanout.StreamEvent(map[string]interface{}{"schema": string(canon.Schema)}, canon.SourceTimestamp, canon.Payload)
				}
			}
		}},
		{Name: StageRouteStarter, Blocking: true, Run: func(ctx context.Context) error {
			return nil
		}},
	}

	shutdown := []Stage{
		{Name: StageStopIntake, Run: func(ctx context.Context) error { res.EventBus.Close(); return nil }},
		{Name: StageFlushQueue, Run: func(ctx context.Context) error { return res.LedgerWriter.Shutdown(ctx) }},
		{Name: StageCloseConnectors, Run: func(ctx context.Context) error { return nil }},
		{Name: StageCloseDB, Run: func(ctx context.Context) error { return res.DB.Close() }},
		{Name: StageStopWebsocket, Run: func(ctx context.Context) error { return res.WSServer.Shutdown(ctx) }},
		{Name: StageStopRest, Run: func(ctx context.Context) error { return res.RestServer.Shutdown(ctx) }},
	}

	root := New(stages, shutdown, res.StageBus, now)
	return root, res, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
