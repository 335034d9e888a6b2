package sessioncfg_test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/voxswitch/voxswitch/internal/persist"
	"github.com/voxswitch/voxswitch/internal/sessioncfg"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

func newStore(t *testing.T, style rtevent.Vendor, backend persist.Store) *sessioncfg.Store {
	t.Helper()
	s, err := sessioncfg.New(style, "acc", "sess", backend, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Cleanup)
	return s
}

func newBackend(t *testing.T) *persist.FileStore {
	t.Helper()
	b, err := persist.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return b
}

func sessionUpdate(fields map[string]any) rtevent.Event {
	return rtevent.Event{Src: rtevent.VendorOpenAI, Payload: map[string]any{
		"type":    "session.update",
		"session": fields,
	}}
}

func TestReceivePassesEventsThrough(t *testing.T) {
	t.Parallel()
	s := newStore(t, rtevent.VendorOpenAI, newBackend(t))

	var got []rtevent.Event
	s.Subscribe(rtevent.NodeFunc(func(ev rtevent.Event) error {
		got = append(got, ev)
		return nil
	}))

	audio := rtevent.Event{Src: rtevent.VendorOpenAI, Payload: map[string]any{
		"type": "input_audio_buffer.append", "audio": "QUJD",
	}}
	if err := s.Receive(audio); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := s.Receive(sessionUpdate(map[string]any{"voice": "sage"})); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("downstream got %d events; want 2", len(got))
	}
	if got[0].Payload["type"] != "input_audio_buffer.append" {
		t.Errorf("first forwarded event = %v", got[0].Payload)
	}
}

func TestMergeLastWriterWins(t *testing.T) {
	t.Parallel()
	s := newStore(t, rtevent.VendorOpenAI, newBackend(t))

	s.Receive(sessionUpdate(map[string]any{"instructions": "first", "voice": "sage"}))
	s.Receive(sessionUpdate(map[string]any{"instructions": "second"}))
	s.Flush()

	cfg := s.GetForReplay(context.Background())
	if cfg == nil {
		t.Fatal("GetForReplay = nil; want merged config")
	}
	session := rtevent.MapField(cfg, "session")
	if got := rtevent.StringField(session, "instructions"); got != "second" {
		t.Errorf("instructions = %q; want %q", got, "second")
	}
	if got := rtevent.StringField(session, "voice"); got != "sage" {
		t.Errorf("voice = %q; want %q (earlier keys must survive)", got, "sage")
	}
}

func TestReplayWithoutConfig(t *testing.T) {
	t.Parallel()
	s := newStore(t, rtevent.VendorOpenAI, newBackend(t))
	if cfg := s.GetForReplay(context.Background()); cfg != nil {
		t.Errorf("GetForReplay = %v; want nil before any session update", cfg)
	}
}

func TestReplaySplicesTranscriptOpenAI(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newBackend(t)
	transcript := "user:hello\nagent:hi"
	if err := backend.Append(ctx, "acc", persist.EntityConversations, "sess", transcript); err != nil {
		t.Fatalf("preload transcript: %v", err)
	}

	s := newStore(t, rtevent.VendorOpenAI, backend)
	s.Receive(sessionUpdate(map[string]any{"instructions": "be brief"}))
	s.Flush()

	cfg := s.GetForReplay(ctx)
	if cfg == nil {
		t.Fatal("GetForReplay = nil")
	}
	instr := rtevent.StringField(cfg, "session", "instructions")
	if !strings.HasPrefix(instr, "be brief") {
		t.Errorf("instructions lost original text: %q", instr)
	}
	if !strings.Contains(instr, transcript) {
		t.Errorf("instructions missing transcript: %q", instr)
	}
	if strings.Index(instr, transcript) < strings.Index(instr, "prior conversation") {
		t.Error("transcript must follow the prior-conversation sentence")
	}
}

func TestReplaySplicesTranscriptGemini(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newBackend(t)
	if err := backend.Append(ctx, "acc", persist.EntityConversations, "sess", "user:hey"); err != nil {
		t.Fatalf("preload transcript: %v", err)
	}

	s := newStore(t, rtevent.VendorGemini, backend)
	s.Receive(rtevent.Event{Src: rtevent.VendorGemini, Payload: map[string]any{
		"setup": map[string]any{
			"model": "models/g",
			"systemInstruction": map[string]any{
				"parts": []any{map[string]any{"text": "be brief"}},
			},
		},
	}})
	s.Flush()

	cfg := s.GetForReplay(ctx)
	if cfg == nil {
		t.Fatal("GetForReplay = nil")
	}
	parts := rtevent.SliceField(cfg, "setup", "systemInstruction", "parts")
	if len(parts) == 0 {
		t.Fatal("setup.systemInstruction.parts is empty")
	}
	text := rtevent.StringField(parts[0].(map[string]any), "text")
	if !strings.HasPrefix(text, "be brief") || !strings.Contains(text, "user:hey") {
		t.Errorf("parts[0].text = %q; want original text plus transcript", text)
	}
}

func TestReplayDoesNotMutateStoredConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newBackend(t)
	if err := backend.Append(ctx, "acc", persist.EntityConversations, "sess", "user:x"); err != nil {
		t.Fatalf("preload transcript: %v", err)
	}

	s := newStore(t, rtevent.VendorOpenAI, backend)
	s.Receive(sessionUpdate(map[string]any{"instructions": "base"}))
	s.Flush()

	first := rtevent.StringField(s.GetForReplay(ctx), "session", "instructions")
	second := rtevent.StringField(s.GetForReplay(ctx), "session", "instructions")
	if first != second {
		t.Errorf("repeated replay grew the instructions:\n%q\n%q", first, second)
	}
}

// slowFirstWrite holds the first config overwrite until released, so the
// test controls how long the earliest snapshot stays in flight.
type slowFirstWrite struct {
	persist.Store

	mu      sync.Mutex
	held    bool
	release chan struct{}
}

func (g *slowFirstWrite) Overwrite(ctx context.Context, accountID, entity, sessionID, content string) error {
	g.mu.Lock()
	first := !g.held
	g.held = true
	g.mu.Unlock()
	if first {
		<-g.release
	}
	return g.Store.Overwrite(ctx, accountID, entity, sessionID, content)
}

func TestReplayKeepsLaterUpdateDespiteSlowPersistence(t *testing.T) {
	t.Parallel()
	gate := &slowFirstWrite{Store: newBackend(t), release: make(chan struct{})}
	s := newStore(t, rtevent.VendorOpenAI, gate)

	s.Receive(sessionUpdate(map[string]any{"voice": "sage"}))
	s.Receive(sessionUpdate(map[string]any{"instructions": "be brief"}))
	close(gate.release)
	s.Flush()

	cfg := s.GetForReplay(context.Background())
	if cfg == nil {
		t.Fatal("GetForReplay = nil; want merged config")
	}
	session := rtevent.MapField(cfg, "session")
	if got := rtevent.StringField(session, "voice"); got != "sage" {
		t.Errorf("voice = %q; want %q", got, "sage")
	}
	if got := rtevent.StringField(session, "instructions"); got != "be brief" {
		t.Errorf("instructions = %q; want %q (second update must survive)", got, "be brief")
	}

	raw, err := gate.Read(context.Background(), "acc", persist.EntitySessions, "sess")
	if err != nil {
		t.Fatalf("reading persisted config: %v", err)
	}
	if !strings.Contains(raw, "be brief") {
		t.Errorf("persisted snapshot missing the second update: %s", raw)
	}
}

func TestPersistedConfigSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newBackend(t)

	s1 := newStore(t, rtevent.VendorOpenAI, backend)
	s1.Receive(sessionUpdate(map[string]any{"instructions": "persisted"}))
	s1.Flush()
	s1.Cleanup()

	s2 := newStore(t, rtevent.VendorOpenAI, backend)
	cfg := s2.GetForReplay(ctx)
	if cfg == nil {
		t.Fatal("GetForReplay after restart = nil; want persisted config")
	}
	if got := rtevent.StringField(cfg, "session", "instructions"); got != "persisted" {
		t.Errorf("instructions = %q; want %q", got, "persisted")
	}
}
