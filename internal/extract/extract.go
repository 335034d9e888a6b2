// Package extract classifies raw vendor-shaped events into the fixed set of
// semantic buckets the pipeline operates on.
//
// A [ClientExtractor] inspects client→provider traffic and dispatches to one
// of three callbacks (user audio, session update, tool response); a
// [ServerExtractor] inspects provider→client traffic and dispatches to one
// of five (user transcript, response transcript, response audio, tool call,
// turn boundary). Exactly one callback — or none — fires per Extract call.
// Unknown payload shapes are logged at debug level and dropped; they are
// never an error.
//
// Extractors hold function references back into their owning translator or
// store. [ClientExtractor.Cleanup] / [ServerExtractor.Cleanup] release those
// references; owners must call it before discarding an extractor to avoid
// leaking the back-edges.
package extract

import (
	"fmt"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// ClientExtractor classifies client-originated events for one vendor style.
type ClientExtractor interface {
	// OnUserAudio registers the callback for audio-append events.
	OnUserAudio(fn func(ev rtevent.Event))

	// OnSessionUpdate registers the callback for session-configuration events.
	OnSessionUpdate(fn func(ev rtevent.Event))

	// OnToolResponse registers the callback for tool-result events.
	OnToolResponse(fn func(ev rtevent.Event))

	// Extract classifies ev and invokes at most one registered callback.
	Extract(ev rtevent.Event)

	// Cleanup releases all registered callbacks.
	Cleanup()
}

// ServerExtractor classifies provider-originated events for one vendor
// style. Transcript callbacks additionally receive the extracted delta text
// so consumers do not need style-specific field knowledge.
type ServerExtractor interface {
	// OnUserTranscript registers the callback for user speech transcripts.
	OnUserTranscript(fn func(ev rtevent.Event, text string))

	// OnResponseTranscript registers the callback for model speech transcripts.
	OnResponseTranscript(fn func(ev rtevent.Event, text string))

	// OnResponseAudio registers the callback for model audio chunks.
	OnResponseAudio(fn func(ev rtevent.Event))

	// OnToolCall registers the callback for model tool invocations.
	OnToolCall(fn func(ev rtevent.Event))

	// OnTurnBoundary registers the callback for end-of-turn markers.
	OnTurnBoundary(fn func(ev rtevent.Event))

	// Extract classifies ev and invokes at most one registered callback.
	Extract(ev rtevent.Event)

	// Cleanup releases all registered callbacks.
	Cleanup()
}

// NewClient returns the [ClientExtractor] for the given vendor style.
func NewClient(v rtevent.Vendor) (ClientExtractor, error) {
	switch v {
	case rtevent.VendorOpenAI:
		return &openaiClient{}, nil
	case rtevent.VendorGemini:
		return &geminiClient{}, nil
	default:
		return nil, fmt.Errorf("extract: no client extractor for vendor %q", v)
	}
}

// NewServer returns the [ServerExtractor] for the given vendor style.
func NewServer(v rtevent.Vendor) (ServerExtractor, error) {
	switch v {
	case rtevent.VendorOpenAI:
		return &openaiServer{}, nil
	case rtevent.VendorGemini:
		return &geminiServer{}, nil
	default:
		return nil, fmt.Errorf("extract: no server extractor for vendor %q", v)
	}
}

// clientCallbacks holds the registered client-side callbacks. Embedded by
// the per-style implementations so registration and cleanup are shared.
type clientCallbacks struct {
	userAudio     func(rtevent.Event)
	sessionUpdate func(rtevent.Event)
	toolResponse  func(rtevent.Event)
}

func (c *clientCallbacks) OnUserAudio(fn func(rtevent.Event))     { c.userAudio = fn }
func (c *clientCallbacks) OnSessionUpdate(fn func(rtevent.Event)) { c.sessionUpdate = fn }
func (c *clientCallbacks) OnToolResponse(fn func(rtevent.Event))  { c.toolResponse = fn }

func (c *clientCallbacks) Cleanup() {
	c.userAudio = nil
	c.sessionUpdate = nil
	c.toolResponse = nil
}

// serverCallbacks holds the registered server-side callbacks.
type serverCallbacks struct {
	userTranscript     func(rtevent.Event, string)
	responseTranscript func(rtevent.Event, string)
	responseAudio      func(rtevent.Event)
	toolCall           func(rtevent.Event)
	turnBoundary       func(rtevent.Event)
}

func (s *serverCallbacks) OnUserTranscript(fn func(rtevent.Event, string)) { s.userTranscript = fn }
func (s *serverCallbacks) OnResponseTranscript(fn func(rtevent.Event, string)) {
	s.responseTranscript = fn
}
func (s *serverCallbacks) OnResponseAudio(fn func(rtevent.Event)) { s.responseAudio = fn }
func (s *serverCallbacks) OnToolCall(fn func(rtevent.Event))      { s.toolCall = fn }
func (s *serverCallbacks) OnTurnBoundary(fn func(rtevent.Event))  { s.turnBoundary = fn }

func (s *serverCallbacks) Cleanup() {
	s.userTranscript = nil
	s.responseTranscript = nil
	s.responseAudio = nil
	s.toolCall = nil
	s.turnBoundary = nil
}
