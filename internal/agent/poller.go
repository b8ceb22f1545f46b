package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/wire"
)

const defaultWaitSeconds = 20

// PollerConfig configures the REST polling client.
type PollerConfig struct {
	BrokerURL   string
	WorkspaceID string
	ClientID    string // generated when empty
	Surface     string
	Token       string // pre-shared token, empty in dev mode

	HTTPClient       *http.Client  // optional custom transport (e.g. Unix socket)
	Limit            int           // tasks per reserve call, default 1
	LeaseSeconds     int           // initial lease override, 0 = broker default
	WaitSeconds      int           // long-poll hold, default 20
	ProgressInterval time.Duration // default 60s, sent while a task runs
}

// Poller pulls tasks over the REST API in a reserve/ack/execute/submit
// loop. It is the transport for agents that cannot hold a websocket.
type Poller struct {
	cfg      PollerConfig
	api      *restClient
	executor Executor
}

// NewPoller creates a polling client. A missing ClientID is generated
// so restarts within one process keep a stable identity.
func NewPoller(cfg PollerConfig, executor Executor) *Poller {
	if cfg.ClientID == "" {
		cfg.ClientID = id.Generate()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = defaultWaitSeconds
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Poller{
		cfg:      cfg,
		api:      newRESTClient(cfg.BrokerURL, cfg.Token, cfg.HTTPClient),
		executor: executor,
	}
}

// ClientID returns the identity used for leases.
func (p *Poller) ClientID() string {
	return p.cfg.ClientID
}

// Run polls for tasks until ctx is cancelled, then waits for running
// tasks to finish. Transport failures back off exponentially; held
// leases from a previous run under the same client id are resumed
// first.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	p.resume(ctx, &wg)

	bo := newDefaultBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		tasks, err := p.api.reserve(ctx, reserveArgs{
			WorkspaceID:  p.cfg.WorkspaceID,
			ClientID:     p.cfg.ClientID,
			SurfaceType:  p.cfg.Surface,
			Limit:        p.cfg.Limit,
			LeaseSeconds: p.cfg.LeaseSeconds,
			WaitSeconds:  p.cfg.WaitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			interval := bo.NextBackOff()
			slog.Warn("reserve failed, retrying...", "error", err, "backoff", interval)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}
		bo.Reset()

		for _, payload := range tasks {
			leaseID, _ := payload["lease_id"].(string)
			wg.Add(1)
			go func(pl wire.Payload, lease string) {
				defer wg.Done()
				p.runTask(ctx, pl, lease, false)
			}(payload, leaseID)
		}
	}
}

// resume re-attaches to leases this client still holds on the broker,
// covering a crash between reserve and submit.
func (p *Poller) resume(ctx context.Context, wg *sync.WaitGroup) {
	held, err := p.api.inflight(ctx, p.cfg.ClientID)
	if err != nil {
		slog.Warn("inflight lookup failed, starting fresh", "error", err)
		return
	}
	if len(held) == 0 {
		return
	}
	slog.Info("resuming held leases", "count", len(held), "client_id", p.cfg.ClientID)
	for _, h := range held {
		wg.Add(1)
		go func(h heldLease) {
			defer wg.Done()
			p.runTask(ctx, h.Payload, h.LeaseID, h.Acked)
		}(h)
	}
}

func (p *Poller) runTask(ctx context.Context, payload wire.Payload, leaseID string, acked bool) {
	execID := payload.ExecutionID()

	if !acked {
		ackRes, err := p.api.ack(ctx, execID, leaseID, p.cfg.ClientID)
		if err != nil {
			slog.Warn("ack failed, abandoning lease", "task_id", execID, "error", err)
			return
		}
		if ackRes.Status == statusAlreadyCompleted {
			slog.Info("task already completed elsewhere", "task_id", execID)
			return
		}
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, execID, leaseID)

	res := p.executor.Execute(ctx, payload)
	stopHB()
	res.ExecutionID = execID

	sub, err := p.api.submit(ctx, execID, res, p.cfg.ClientID, leaseID)
	if err != nil {
		slog.Error("result submit failed", "task_id", execID, "error", err)
		return
	}
	if sub.Duplicate {
		slog.Info("result already recorded for task", "task_id", execID)
	}
}

// heartbeat keeps the lease alive while the executor runs. A cap
// response means the broker will not extend further; the task keeps
// running but may be handed to another agent once the lease lapses.
func (p *Poller) heartbeat(ctx context.Context, execID, leaseID string) {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := p.api.progress(ctx, execID, leaseID, p.cfg.ClientID, "")
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("progress heartbeat failed", "task_id", execID, "error", err)
				continue
			}
			if res.Status == statusLeaseCapExceeded {
				slog.Warn("lease cap reached, no further extensions", "task_id", execID)
			}
		}
	}
}
