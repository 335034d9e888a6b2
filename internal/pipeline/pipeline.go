// Package pipeline assembles the per-session event graph and orchestrates
// provider failover.
//
// One Pipeline serves one client connection. Client events flow through the
// session config store and the client translator to the upstream provider;
// provider events flow through the server translator to the downstream
// socket and the checkpointer. When the switch controller requests a
// failover, the pipeline swaps the translators and the provider connection
// while the config store, checkpointer, switch, and downstream socket
// survive, and the merged session config is replayed into the new provider.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxswitch/voxswitch/internal/checkpoint"
	"github.com/voxswitch/voxswitch/internal/observe"
	"github.com/voxswitch/voxswitch/internal/persist"
	"github.com/voxswitch/voxswitch/internal/sessioncfg"
	"github.com/voxswitch/voxswitch/internal/switchctl"
	"github.com/voxswitch/voxswitch/internal/translate"
	"github.com/voxswitch/voxswitch/internal/upstream"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// VendorEndpoint describes how to reach one upstream provider.
type VendorEndpoint struct {
	URL    string
	Header http.Header
}

// Deps carries the process-level collaborators injected into every
// Pipeline.
type Deps struct {
	// Backend is the persistence handle shared by the config store and the
	// checkpointer.
	Backend persist.Store

	// Endpoints maps each vendor to its upstream address and credential.
	Endpoints map[rtevent.Vendor]VendorEndpoint

	// SwitchThreshold and SwitchConsecutives configure the failover
	// decision. Zero values fall back to the switchctl defaults.
	SwitchThreshold    time.Duration
	SwitchConsecutives int

	// ConnectTimeout and PingInterval are passed to every upstream
	// connection.
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	MaxRetries     int

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Pipeline is the per-session orchestrator. All event handling is
// serialised through mu, so no two handlers run concurrently within a
// session.
type Pipeline struct {
	style     rtevent.Vendor
	accountID string
	sessionID string
	deps      Deps
	log       *slog.Logger

	// current is the provider serving the session. Written under mu but
	// atomically readable, so CurrentProvider works from event handlers
	// that already hold mu.
	current atomic.Pointer[rtevent.Vendor]

	mu         sync.Mutex
	downstream rtevent.Node
	cfgStore   *sessioncfg.Store
	chk        *checkpoint.Checkpointer
	sw         *switchctl.Controller
	clientTr   *translate.Translator
	serverTr   *translate.Translator
	conn       *upstream.Connection
	swapping   bool
	closed     bool
}

// New builds the session graph for style s talking to initial provider p
// and dials the provider. The downstream node receives provider events in
// style s; the caller keeps ownership of it.
func New(ctx context.Context, s, p rtevent.Vendor, accountID, sessionID string, downstream rtevent.Node, deps Deps) (*Pipeline, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	log := deps.Log.With("component", "pipeline", "session_id", sessionID, "style", s)

	if _, ok := deps.Endpoints[p]; !ok {
		return nil, fmt.Errorf("pipeline: no endpoint configured for provider %s", p)
	}

	cfgStore, err := sessioncfg.New(s, accountID, sessionID, deps.Backend, deps.Log)
	if err != nil {
		return nil, err
	}
	chk, err := checkpoint.New(s, accountID, sessionID, deps.Backend, deps.Metrics, deps.Log)
	if err != nil {
		cfgStore.Cleanup()
		return nil, err
	}

	pl := &Pipeline{
		style:      s,
		accountID:  accountID,
		sessionID:  sessionID,
		deps:       deps,
		log:        log,
		downstream: downstream,
		cfgStore:   cfgStore,
		chk:        chk,
	}
	pl.current.Store(&p)

	pl.sw = switchctl.New(p, deps.SwitchThreshold, deps.SwitchConsecutives, deps.Log)
	pl.sw.OnSwitch(pl.swapLocked)

	if err := pl.buildLegLocked(p); err != nil {
		pl.Cleanup()
		return nil, err
	}

	if err := pl.conn.Connect(ctx); err != nil {
		pl.Cleanup()
		return nil, fmt.Errorf("pipeline: initial connect to %s: %w", p, err)
	}
	log.Info("session pipeline started", "provider", p)
	return pl, nil
}

// ReceiveEvent feeds one raw client payload into the graph. Events arriving
// while a provider swap is in progress are dropped.
func (p *Pipeline) ReceiveEvent(raw map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.swapping || p.cfgStore == nil {
		return
	}
	if err := p.cfgStore.Receive(rtevent.Event{Src: p.style, Payload: raw}); err != nil {
		p.log.Error("dispatching client event", "error", err)
	}
}

// CreateCheckpoint writes a marker entry into the conversation log.
func (p *Pipeline) CreateCheckpoint(reason string) {
	p.mu.Lock()
	chk := p.chk
	p.mu.Unlock()
	if chk != nil {
		chk.CreateCheckpoint(reason)
	}
}

// CurrentProvider returns the provider currently serving the session. It is
// lock-free, so event handlers running inside the session's serialised
// execution context may call it.
func (p *Pipeline) CurrentProvider() rtevent.Vendor {
	if v := p.current.Load(); v != nil {
		return *v
	}
	return ""
}

// Cleanup tears the session down. Idempotent. The downstream socket is left
// open; its owner closes it.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cfgStore, chk, sw := p.cfgStore, p.chk, p.sw
	clientTr, serverTr, conn := p.clientTr, p.serverTr, p.conn
	p.cfgStore, p.chk, p.sw = nil, nil, nil
	p.clientTr, p.serverTr, p.conn = nil, nil, nil
	p.downstream = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Cleanup()
	}
	if clientTr != nil {
		clientTr.Cleanup()
	}
	if serverTr != nil {
		serverTr.Cleanup()
	}
	if cfgStore != nil {
		cfgStore.Cleanup()
	}
	if sw != nil {
		sw.Cleanup()
	}
	if chk != nil {
		chk.Cleanup()
	}
	p.log.Info("session pipeline closed")
}

// buildLegLocked constructs the provider-specific half of the graph for
// target and wires it. Caller holds p.mu or is the constructor.
func (p *Pipeline) buildLegLocked(target rtevent.Vendor) error {
	clientTr, err := translate.NewClient(p.style, target)
	if err != nil {
		return err
	}
	serverTr, err := translate.NewServer(target, p.style)
	if err != nil {
		clientTr.Cleanup()
		return err
	}

	ep := p.deps.Endpoints[target]
	conn := upstream.New(upstream.Config{
		Vendor:         target,
		URL:            ep.URL,
		Header:         ep.Header,
		ConnectTimeout: p.deps.ConnectTimeout,
		PingInterval:   p.deps.PingInterval,
		MaxRetries:     p.deps.MaxRetries,
	}, p.deps.Log)
	conn.OnConnected(p.handleProviderConnected)
	conn.OnLatency(p.handleLatency)

	// ConfigStore → ClientTranslator → Provider → ServerTranslator →
	// {downstream, Checkpointer}. Provider events re-enter the session's
	// execution context through receiveProviderEvent.
	p.cfgStore.Bus.Cleanup()
	p.cfgStore.Subscribe(clientTr)
	clientTr.Subscribe(conn)
	conn.Subscribe(rtevent.NodeFunc(p.receiveProviderEvent))
	serverTr.Subscribe(p.downstream, p.chk)

	p.clientTr = clientTr
	p.serverTr = serverTr
	p.conn = conn
	p.current.Store(&target)
	return nil
}

// receiveProviderEvent funnels inbound provider events into the session's
// serialised execution context before translation.
func (p *Pipeline) receiveProviderEvent(ev rtevent.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.swapping || p.serverTr == nil || ev.Src != p.CurrentProvider() {
		// Events from a connection being replaced are dropped with the swap
		// window.
		return nil
	}
	return p.serverTr.Receive(ev)
}

// handleProviderConnected fires on every successful upstream open,
// including reconnects and post-swap connects. It replays the merged config
// directly into the client translator, bypassing the config store so the
// replay is not re-persisted.
func (p *Pipeline) handleProviderConnected() {
	cfg := func() map[string]any {
		p.mu.Lock()
		store := p.cfgStore
		p.mu.Unlock()
		if store == nil {
			return nil
		}
		return store.GetForReplay(context.Background())
	}()
	if cfg == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.clientTr == nil {
		return
	}
	p.log.Info("replaying session config", "provider", p.CurrentProvider())
	if err := p.clientTr.Receive(rtevent.Event{Src: p.style, Payload: cfg}); err != nil {
		p.log.Error("replaying session config", "error", err)
	}
}

// handleLatency records the sample and lets the switch controller decide.
// The controller's OnSwitch callback runs synchronously here, under p.mu,
// which is why the swap path must not re-lock.
func (p *Pipeline) handleLatency(sample switchctl.LatencySample) {
	if m := p.deps.Metrics; m != nil {
		m.RecordLatency(context.Background(), sample.Provider.String(), sample.Latency.Seconds())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.swapping || p.sw == nil {
		return
	}
	p.sw.AddStats(sample)
}

// swapLocked performs the failover to target. Called by the switch
// controller while p.mu is held by handleLatency.
func (p *Pipeline) swapLocked(target rtevent.Vendor) {
	if p.closed {
		return
	}
	if _, ok := p.deps.Endpoints[target]; !ok {
		p.log.Error("no endpoint for switch target, staying put", "target", target)
		return
	}
	from := p.CurrentProvider()
	p.swapping = true
	p.log.Warn("swapping upstream provider", "from", from, "to", target)

	p.conn.Cleanup()
	p.clientTr.Cleanup()
	p.serverTr.Cleanup()

	if err := p.buildLegLocked(target); err != nil {
		// The old leg is already gone; the session cannot continue.
		p.log.Error("building replacement provider leg", "error", err)
		p.swapping = false
		return
	}
	p.swapping = false

	if m := p.deps.Metrics; m != nil {
		m.RecordSwap(context.Background(), from.String(), target.String())
	}

	// Dial outside the event path; replay happens via onConnected.
	conn := p.conn
	go func() {
		if err := conn.Connect(context.Background()); err != nil {
			p.log.Error("connecting to switch target", "target", target, "error", err)
			if m := p.deps.Metrics; m != nil {
				m.RecordProviderError(context.Background(), target.String(), "connect")
			}
		}
	}()
}
