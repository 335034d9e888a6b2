// Package sessioncfg accumulates the session configuration a client sends
// over its lifetime and replays it to an upstream provider whenever a
// connection (re-)opens.
//
// The store is a bus node sitting first in the client-to-provider chain:
// every event passes through unchanged, and session-update events
// additionally merge into the stored config. Snapshots of the merge are
// persisted through a dedicated writer goroutine so they reach storage in
// merge order, letting a later gateway instance resume the session.
package sessioncfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxswitch/voxswitch/internal/extract"
	"github.com/voxswitch/voxswitch/internal/persist"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Compile-time interface check.
var _ rtevent.Node = (*Store)(nil)

// replayPrefix introduces the spliced-in transcript so the model treats it
// as history rather than instruction text.
const replayPrefix = "\n\nThe following is a prior conversation with the user that you should continue:\n"

// Store captures and merges every session-update event of one session.
// Safe for the pipeline's single-goroutine event flow plus concurrent
// background persistence.
type Store struct {
	rtevent.Bus

	style     rtevent.Vendor
	accountID string
	sessionID string
	backend   persist.Store
	log       *slog.Logger

	mu     sync.Mutex
	cfg    map[string]any // merged session-update payload, nil until first update
	closed bool

	extractor extract.ClientExtractor

	// persistCh carries merge snapshots to the writer goroutine in merge
	// order. Once scheduled, a snapshot is never reordered with later ones.
	persistCh chan persistMsg
	done      chan struct{}
}

// persistMsg is one unit of work for the writer goroutine: either a merge
// snapshot to store, or a barrier (nil snapshot, non-nil ack) closed once
// everything scheduled before it has been written.
type persistMsg struct {
	snapshot map[string]any
	ack      chan struct{}
}

// New builds a Store for one session. The persistence backend is shared
// with the checkpointer and owned by the session (or the process, when
// shared). A previously persisted config for the same key is loaded in the
// background and wins only if no fresh update arrived first.
func New(style rtevent.Vendor, accountID, sessionID string, backend persist.Store, log *slog.Logger) (*Store, error) {
	ex, err := extract.NewClient(style)
	if err != nil {
		return nil, fmt.Errorf("session config store: %w", err)
	}
	s := &Store{
		style:     style,
		accountID: accountID,
		sessionID: sessionID,
		backend:   backend,
		log:       log.With("component", "sessioncfg", "session_id", sessionID),
		extractor: ex,
		persistCh: make(chan persistMsg, 16),
		done:      make(chan struct{}),
	}
	ex.OnSessionUpdate(s.onSessionUpdate)

	go s.writer()
	return s, nil
}

// Receive classifies the event (merging it if it is a session update) and
// then re-emits it unchanged to subscribers.
func (s *Store) Receive(ev rtevent.Event) error {
	s.extractor.Extract(ev)
	s.Emit(ev)
	return nil
}

func (s *Store) onSessionUpdate(ev rtevent.Event) {
	incoming := rtevent.MapField(ev.Payload, s.configKey())
	if incoming == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.cfg == nil {
		s.cfg = rtevent.CopyMap(ev.Payload)
	} else {
		merged := rtevent.MapField(s.cfg, s.configKey())
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range rtevent.CopyMap(incoming) {
			merged[k] = v
		}
		s.cfg[s.configKey()] = merged
	}
	s.persistCh <- persistMsg{snapshot: rtevent.CopyMap(s.cfg)}
}

// GetForReplay returns the merged config enriched with the prior
// conversation transcript, or nil if no session update was ever seen. The
// in-memory merge is authoritative while the session lives on this
// instance; the store is consulted only when no update has been seen yet,
// which is the restart path.
func (s *Store) GetForReplay(ctx context.Context) map[string]any {
	s.mu.Lock()
	var cfg map[string]any
	if s.cfg != nil {
		cfg = rtevent.CopyMap(s.cfg)
	}
	s.mu.Unlock()

	if cfg == nil {
		loaded := s.loadPersisted(ctx)
		if loaded == nil {
			return nil
		}
		s.mu.Lock()
		if s.cfg == nil {
			s.cfg = loaded
		}
		cfg = rtevent.CopyMap(s.cfg)
		s.mu.Unlock()
	}

	transcript, err := s.backend.Read(ctx, s.accountID, persist.EntityConversations, s.sessionID)
	if errors.Is(err, persist.ErrNotFound) || transcript == "" {
		return cfg
	}
	if err != nil {
		s.log.Error("reading conversation transcript for replay", "error", err)
		return cfg
	}
	s.spliceTranscript(cfg, transcript)
	return cfg
}

// spliceTranscript appends the transcript to the config's instruction text
// in the store's dialect.
func (s *Store) spliceTranscript(cfg map[string]any, transcript string) {
	inner := rtevent.MapField(cfg, s.configKey())
	if inner == nil {
		inner = map[string]any{}
		cfg[s.configKey()] = inner
	}
	addition := replayPrefix + transcript

	if s.style == rtevent.VendorOpenAI {
		inner["instructions"] = rtevent.StringField(inner, "instructions") + addition
		return
	}

	si := rtevent.MapField(inner, "systemInstruction")
	if si == nil {
		si = map[string]any{}
		inner["systemInstruction"] = si
	}
	parts := rtevent.SliceField(si, "parts")
	if len(parts) == 0 {
		si["parts"] = []any{map[string]any{"text": addition}}
		return
	}
	if first, ok := parts[0].(map[string]any); ok {
		first["text"] = rtevent.StringField(first, "text") + addition
	}
}

// Cleanup drops the stored config, stops the writer, and releases the
// extractor. The persistence backend is closed by the session teardown, not
// here, since the checkpointer shares it. Idempotent.
func (s *Store) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cfg = nil
	close(s.persistCh)
	s.mu.Unlock()

	s.extractor.Cleanup()
	s.Bus.Cleanup()
}

// Flush blocks until every snapshot scheduled so far has been persisted.
// Intended for tests and orderly shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	ack := make(chan struct{})
	s.persistCh <- persistMsg{ack: ack}
	s.mu.Unlock()
	<-ack
}

func (s *Store) configKey() string {
	if s.style == rtevent.VendorOpenAI {
		return "session"
	}
	return "setup"
}

// writer restores any previously persisted config, then drains snapshots in
// the order they were merged.
func (s *Store) writer() {
	defer close(s.done)
	s.loadInitial()
	for msg := range s.persistCh {
		if msg.ack != nil {
			close(msg.ack)
			continue
		}
		s.persistSnapshot(msg.snapshot)
	}
}

func (s *Store) persistSnapshot(snapshot map[string]any) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Error("encoding session config", "error", err)
		return
	}
	if err := s.backend.Overwrite(context.Background(),
		s.accountID, persist.EntitySessions, s.sessionID, string(data)); err != nil {
		s.log.Error("persisting session config", "error", err)
	}
}

func (s *Store) loadPersisted(ctx context.Context) map[string]any {
	raw, err := s.backend.Read(ctx, s.accountID, persist.EntitySessions, s.sessionID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Error("loading persisted session config", "error", err)
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		s.log.Error("decoding persisted session config", "error", err)
		return nil
	}
	return cfg
}

// loadInitial restores a persisted config on session init. A config merged
// from a live update in the meantime wins.
func (s *Store) loadInitial() {
	loaded := s.loadPersisted(context.Background())
	if loaded == nil {
		return
	}
	s.mu.Lock()
	if s.cfg == nil && !s.closed {
		s.cfg = loaded
	}
	s.mu.Unlock()
}
