package overlay

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/mvera/fedgate/internal/transport"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// Deps bundles the collaborators shared by every client in the pool.
type Deps struct {
	Transport transport.Transport
	Signer    Signer
	Rosters   RosterSource
	Recorder  Recorder
	Router    Router
	Metrics   Metrics
	Tracer    trace.Tracer
}

// Pool owns the overlay clients for every locally hosted object. It is the
// single place clients are created, looked up, and torn down.
type Pool struct {
	agid   string
	cfg    Config
	deps   Deps
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool(agid string, cfg Config, deps Deps, log *logger.Logger) *Pool {
	return &Pool{
		agid:    agid,
		cfg:     cfg,
		deps:    deps,
		logger:  log.With("component", "client_pool"),
		clients: make(map[string]*Client),
	}
}

// SetRouter installs the inbound dispatcher. The router depends on the
// channel registry, which in turn consults the pool, so it cannot be part of
// Deps at construction time. Must be called before the first Start.
func (p *Pool) SetRouter(r Router) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deps.Router = r
}

// Start creates and connects a client for oid. Starting an oid that already
// has a running client is a no-op.
func (p *Pool) Start(ctx context.Context, oid string) error {
	p.mu.Lock()
	if _, ok := p.clients[oid]; ok {
		p.mu.Unlock()
		p.logger.Debug(ctx, "Client already running", "oid", oid)
		return nil
	}
	c := NewClient(oid, p.agid, p.cfg, p.deps.Transport, p.deps.Signer, p.deps.Rosters, p.deps.Recorder, p.deps.Router, p.deps.Metrics, p.logger, p.deps.Tracer)
	p.clients[oid] = c
	p.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		p.mu.Lock()
		delete(p.clients, oid)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Stop tears down the client for oid. Unknown oids are a no-op.
func (p *Pool) Stop(ctx context.Context, oid string) error {
	p.mu.Lock()
	c, ok := p.clients[oid]
	delete(p.clients, oid)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Stop(ctx)
}

// StopAll tears down every client. Used during shutdown.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(ctx); err != nil {
			p.logger.Warn(ctx, "Stopping client failed", "oid", c.Oid(), "error", err)
		}
	}
}

// Get returns the client for oid, if one is running.
func (p *Pool) Get(oid string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[oid]
	return c, ok
}

// Has reports whether a client is running for oid.
func (p *Pool) Has(oid string) bool {
	_, ok := p.Get(oid)
	return ok
}

// Oids returns the sorted object ids of all running clients.
func (p *Pool) Oids() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	oids := make([]string, 0, len(p.clients))
	for oid := range p.clients {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	return oids
}

// ReloadAllRosters refreshes every client's roster from the directory. The
// platform pushes a notification when permissions change; this is the
// reaction to it.
func (p *Pool) ReloadAllRosters(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	for _, c := range clients {
		if err := c.ReloadRoster(ctx, false); err != nil {
			p.logger.Warn(ctx, "Roster reload failed", "oid", c.Oid(), "error", err)
		}
	}
}
