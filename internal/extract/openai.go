package extract

import (
	"log/slog"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// OpenAI Realtime events are discriminated by a top-level "type" string.
const (
	oaTypeAudioAppend     = "input_audio_buffer.append"
	oaTypeSessionUpdate   = "session.update"
	oaTypeItemCreate      = "conversation.item.create"
	oaTypeUserTranscript  = "conversation.item.input_audio_transcription.delta"
	oaTypeRespTranscript  = "response.audio_transcript.delta"
	oaTypeRespAudio       = "response.audio.delta"
	oaTypeOutputItemDone  = "response.output_item.done"
	oaTypeResponseDone    = "response.done"
	oaItemFunctionCall    = "function_call"
	oaItemFunctionOutput  = "function_call_output"
	oaStatusCompleted     = "completed"
	oaStatusCancelled     = "cancelled"
)

// Compile-time checks that the OpenAI extractors satisfy the interfaces.
var (
	_ ClientExtractor = (*openaiClient)(nil)
	_ ServerExtractor = (*openaiServer)(nil)
)

// openaiClient classifies client→provider events in the OpenAI Realtime
// dialect.
type openaiClient struct {
	clientCallbacks
}

func (c *openaiClient) Extract(ev rtevent.Event) {
	typ := rtevent.StringField(ev.Payload, "type")
	switch typ {
	case oaTypeAudioAppend:
		if c.userAudio != nil {
			c.userAudio(ev)
		}
	case oaTypeSessionUpdate:
		if c.sessionUpdate != nil {
			c.sessionUpdate(ev)
		}
	case oaTypeItemCreate:
		// Only function_call_output items are tool responses; other item
		// kinds (injected context messages) pass through unclassified.
		if rtevent.StringField(ev.Payload, "item", "type") == oaItemFunctionOutput {
			if c.toolResponse != nil {
				c.toolResponse(ev)
			}
			return
		}
		slog.Debug("unclassified openai client item", "item_type", rtevent.StringField(ev.Payload, "item", "type"))
	default:
		slog.Debug("unclassified openai client event", "type", typ)
	}
}

// openaiServer classifies provider→client events in the OpenAI Realtime
// dialect.
type openaiServer struct {
	serverCallbacks
}

func (s *openaiServer) Extract(ev rtevent.Event) {
	typ := rtevent.StringField(ev.Payload, "type")
	switch typ {
	case oaTypeUserTranscript:
		if s.userTranscript != nil {
			s.userTranscript(ev, rtevent.StringField(ev.Payload, "delta"))
		}
	case oaTypeRespTranscript:
		if s.responseTranscript != nil {
			s.responseTranscript(ev, rtevent.StringField(ev.Payload, "delta"))
		}
	case oaTypeRespAudio:
		if s.responseAudio != nil {
			s.responseAudio(ev)
		}
	case oaTypeOutputItemDone:
		if rtevent.StringField(ev.Payload, "item", "type") == oaItemFunctionCall {
			if s.toolCall != nil {
				s.toolCall(ev)
			}
			return
		}
		slog.Debug("unclassified openai output item", "item_type", rtevent.StringField(ev.Payload, "item", "type"))
	case oaTypeResponseDone:
		status := rtevent.StringField(ev.Payload, "response", "status")
		if status == oaStatusCompleted || status == oaStatusCancelled {
			if s.turnBoundary != nil {
				s.turnBoundary(ev)
			}
			return
		}
		slog.Debug("openai response.done with non-terminal status", "status", status)
	default:
		slog.Debug("unclassified openai server event", "type", typ)
	}
}
