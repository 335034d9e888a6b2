// Package checkpoint turns the provider's transcript stream into a durable
// conversation log.
//
// A Checkpointer sits at the end of the provider-to-client chain, next to
// the downstream socket. It extracts user and agent transcript deltas,
// groups them into an in-memory buffer, and appends the buffer to the
// session's conversation log once enough text has accumulated. Appends run
// on a dedicated writer goroutine so the audio hot path never waits on
// storage; flushes still reach the log in the order they were scheduled.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxswitch/voxswitch/internal/extract"
	"github.com/voxswitch/voxswitch/internal/observe"
	"github.com/voxswitch/voxswitch/internal/persist"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Compile-time interface check.
var _ rtevent.Node = (*Checkpointer)(nil)

// Conversation-log entry kinds.
const (
	kindUser       = "user"
	kindAgent      = "agent"
	kindCheckpoint = "agent_checkpoint"
)

// flushThreshold is the number of buffered transcript characters that
// triggers a flush. Prefix and separator characters do not count.
const flushThreshold = 200

const defaultCheckpointReason = "manual"

// Checkpointer buffers transcript deltas and appends them to the
// conversation log. Audio, tool-call, and turn-boundary events pass through
// it without being logged.
type Checkpointer struct {
	accountID string
	sessionID string
	backend   persist.Store
	metrics   *observe.Metrics // may be nil
	log       *slog.Logger

	extractor extract.ServerExtractor

	mu          sync.Mutex
	buf         strings.Builder
	currentKind string
	totalChars  int
	closed      bool

	// flushCh carries buffer snapshots to the writer goroutine in schedule
	// order. Once scheduled, a snapshot is never merged with later text.
	flushCh chan flushMsg
	done    chan struct{}
}

// flushMsg is one unit of work for the writer goroutine: either a buffer
// snapshot to append, or a barrier (empty content, non-nil ack) closed once
// everything scheduled before it has been written.
type flushMsg struct {
	content string
	ack     chan struct{}
}

// New builds a Checkpointer for one session, always in the client's
// dialect. The persistence backend is shared with the session config store.
func New(style rtevent.Vendor, accountID, sessionID string, backend persist.Store, metrics *observe.Metrics, log *slog.Logger) (*Checkpointer, error) {
	ex, err := extract.NewServer(style)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: %w", err)
	}
	c := &Checkpointer{
		accountID: accountID,
		sessionID: sessionID,
		backend:   backend,
		metrics:   metrics,
		log:       log.With("component", "checkpoint", "session_id", sessionID),
		extractor: ex,
		flushCh:   make(chan flushMsg, 16),
		done:      make(chan struct{}),
	}
	ex.OnUserTranscript(func(_ rtevent.Event, text string) { c.add(kindUser, text) })
	ex.OnResponseTranscript(func(_ rtevent.Event, text string) { c.add(kindAgent, text) })

	go c.writer()
	return c, nil
}

// Receive classifies the event; transcript deltas land in the buffer,
// everything else is ignored. The Checkpointer is a sink and re-emits
// nothing.
func (c *Checkpointer) Receive(ev rtevent.Event) error {
	c.extractor.Extract(ev)
	return nil
}

func (c *Checkpointer) add(kind, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if kind == c.currentKind && c.buf.Len() > 0 {
		c.buf.WriteString(text)
	} else {
		if c.buf.Len() > 0 {
			c.buf.WriteString("\n")
		}
		c.buf.WriteString(kind)
		c.buf.WriteString(":")
		c.buf.WriteString(text)
		c.currentKind = kind
	}
	c.totalChars += len(text)

	if c.totalChars >= flushThreshold {
		c.scheduleFlushLocked()
	}
}

// CreateCheckpoint flushes the buffer, appends a synthetic marker entry
// carrying the reason and the current time, and flushes again.
func (c *Checkpointer) CreateCheckpoint(reason string) {
	if reason == "" {
		reason = defaultCheckpointReason
	}
	marker := fmt.Sprintf("Checkpoint: %s - %s", reason, time.Now().UTC().Format(time.RFC3339))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.scheduleFlushLocked()
	c.buf.WriteString(kindCheckpoint)
	c.buf.WriteString(":")
	c.buf.WriteString(marker)
	c.currentKind = kindCheckpoint
	c.scheduleFlushLocked()
}

// Flush schedules any buffered text for persistence and waits until the
// writer has drained everything scheduled so far.
func (c *Checkpointer) Flush() {
	c.mu.Lock()
	if !c.closed {
		c.scheduleFlushLocked()
	}
	c.mu.Unlock()
	c.barrier()
}

// Cleanup flushes the remaining buffer without waiting for persistence,
// releases the extractor, and stops the writer. An exclusive persistence
// backend is closed with the session; a shared one is left open.
func (c *Checkpointer) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.scheduleFlushLocked()
	c.closed = true
	close(c.flushCh)
	c.mu.Unlock()

	c.extractor.Cleanup()

	go func() {
		<-c.done
		if !c.backend.Shared() {
			if err := c.backend.Cleanup(); err != nil {
				c.log.Error("closing session persistence", "error", err)
			}
		}
	}()
}

// scheduleFlushLocked snapshots the buffer onto the writer queue and resets
// it. Caller holds c.mu.
func (c *Checkpointer) scheduleFlushLocked() {
	if c.buf.Len() == 0 {
		return
	}
	content := c.buf.String()
	c.buf.Reset()
	c.currentKind = ""
	c.totalChars = 0
	c.flushCh <- flushMsg{content: content}
}

// barrier returns once every snapshot scheduled before the call has been
// written (or the writer has shut down).
func (c *Checkpointer) barrier() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	ack := make(chan struct{})
	c.flushCh <- flushMsg{ack: ack}
	c.mu.Unlock()
	<-ack
}

func (c *Checkpointer) writer() {
	defer close(c.done)
	for msg := range c.flushCh {
		if msg.ack != nil {
			close(msg.ack)
			continue
		}
		if err := c.backend.Append(context.Background(),
			c.accountID, persist.EntityConversations, c.sessionID, msg.content); err != nil {
			c.log.Error("appending conversation transcript", "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.TranscriptFlushes.Add(context.Background(), 1)
		}
	}
}
