package extract

import (
	"log/slog"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Compile-time checks that the Gemini extractors satisfy the interfaces.
var (
	_ ClientExtractor = (*geminiClient)(nil)
	_ ServerExtractor = (*geminiServer)(nil)
)

// geminiClient classifies client→provider messages in the Gemini Live
// dialect. Messages are discriminated by the presence of marker sub-objects
// rather than a type string.
type geminiClient struct {
	clientCallbacks
}

func (c *geminiClient) Extract(ev rtevent.Event) {
	switch {
	case hasKey(ev.Payload, "setup"):
		if c.sessionUpdate != nil {
			c.sessionUpdate(ev)
		}
	case hasKey(ev.Payload, "realtimeInput"):
		if c.userAudio != nil {
			c.userAudio(ev)
		}
	case hasKey(ev.Payload, "toolResponse"):
		if c.toolResponse != nil {
			c.toolResponse(ev)
		}
	default:
		slog.Debug("unclassified gemini client message", "keys", payloadKeys(ev.Payload))
	}
}

// geminiServer classifies provider→client messages in the Gemini Live
// dialect. A serverContent message can in principle carry several markers;
// classification follows a fixed priority so that exactly one callback
// fires per message.
type geminiServer struct {
	serverCallbacks
}

func (s *geminiServer) Extract(ev rtevent.Event) {
	if tc, ok := ev.Payload["toolCall"]; ok && tc != nil {
		if s.toolCall != nil {
			s.toolCall(ev)
		}
		return
	}

	sc := rtevent.MapField(ev.Payload, "serverContent")
	if sc == nil {
		slog.Debug("unclassified gemini server message", "keys", payloadKeys(ev.Payload))
		return
	}

	switch {
	case rtevent.MapField(sc, "inputTranscription") != nil:
		if s.userTranscript != nil {
			s.userTranscript(ev, rtevent.StringField(sc, "inputTranscription", "text"))
		}
	case rtevent.MapField(sc, "modelTurn") != nil:
		if s.responseAudio != nil {
			s.responseAudio(ev)
		}
	case rtevent.MapField(sc, "outputTranscription") != nil:
		if s.responseTranscript != nil {
			s.responseTranscript(ev, rtevent.StringField(sc, "outputTranscription", "text"))
		}
	case rtevent.BoolField(sc, "generationComplete"),
		rtevent.BoolField(sc, "interrupted"),
		rtevent.BoolField(sc, "turnComplete"):
		if s.turnBoundary != nil {
			s.turnBoundary(ev)
		}
	default:
		slog.Debug("unclassified gemini serverContent", "keys", payloadKeys(sc))
	}
}

// hasKey reports whether m contains key with a non-nil value.
func hasKey(m map[string]any, key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

// payloadKeys lists the top-level keys of m for debug logging.
func payloadKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
