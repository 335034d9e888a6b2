package translate

import (
	"encoding/json"
	"strings"

	"github.com/voxswitch/voxswitch/internal/extract"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// defaultGeminiModel is used when a translated setup has no model of its
// own; the Gemini Live protocol requires one.
const defaultGeminiModel = "models/gemini-2.0-flash-live-001"

// pcmMIMEType tags translated audio chunks. Both dialects carry raw PCM as
// base64; only Gemini wants an explicit MIME type.
const pcmMIMEType = "audio/pcm"

// wireClientOpenAIToGemini registers the OpenAI→Gemini reshapes for
// client-originated traffic on t.
func wireClientOpenAIToGemini(t *Translator, ex extract.ClientExtractor) {
	ex.OnUserAudio(func(ev rtevent.Event) {
		t.emit(map[string]any{
			"realtimeInput": map[string]any{
				"audio": map[string]any{
					"mimeType": pcmMIMEType,
					"data":     rtevent.StringField(ev.Payload, "audio"),
				},
			},
		})
	})

	ex.OnSessionUpdate(func(ev rtevent.Event) {
		session := rtevent.MapField(ev.Payload, "session")
		setup := map[string]any{
			"model": geminiModelName(rtevent.StringField(session, "model")),
			"generationConfig": map[string]any{
				"responseModalities": []any{"audio"},
			},
		}
		if instructions := rtevent.StringField(session, "instructions"); instructions != "" {
			setup["systemInstruction"] = map[string]any{
				"parts": []any{map[string]any{"text": instructions}},
			}
		}
		if tools := rtevent.SliceField(session, "tools"); len(tools) > 0 {
			setup["tools"] = []any{map[string]any{
				"functionDeclarations": toFunctionDeclarations(tools),
			}}
		}
		t.emit(map[string]any{"setup": setup})
	})

	ex.OnToolResponse(func(ev rtevent.Event) {
		item := rtevent.MapField(ev.Payload, "item")
		// The function_call_output item does not carry the tool name; an
		// empty name is a known limitation of this direction.
		t.emit(map[string]any{
			"toolResponse": map[string]any{
				"functionResponses": []any{map[string]any{
					"id":       rtevent.StringField(item, "call_id"),
					"name":     "",
					"response": parseJSONObject(rtevent.StringField(item, "output")),
				}},
			},
		})
	})
}

// wireClientGeminiToOpenAI registers the Gemini→OpenAI reshapes for
// client-originated traffic on t.
func wireClientGeminiToOpenAI(t *Translator, ex extract.ClientExtractor) {
	ex.OnUserAudio(func(ev rtevent.Event) {
		data := rtevent.StringField(ev.Payload, "realtimeInput", "audio", "data")
		if data == "" {
			// Older Gemini clients send mediaChunks instead of audio.
			if chunks := rtevent.SliceField(ev.Payload, "realtimeInput", "mediaChunks"); len(chunks) > 0 {
				if chunk, ok := chunks[0].(map[string]any); ok {
					data = rtevent.StringField(chunk, "data")
				}
			}
		}
		t.emit(map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": data,
		})
	})

	ex.OnSessionUpdate(func(ev rtevent.Event) {
		setup := rtevent.MapField(ev.Payload, "setup")
		session := map[string]any{}
		if model := rtevent.StringField(setup, "model"); model != "" {
			session["model"] = strings.TrimPrefix(model, "models/")
		}
		if text := systemInstructionText(setup); text != "" {
			session["instructions"] = text
		}
		if tools := flattenFunctionDeclarations(rtevent.SliceField(setup, "tools")); len(tools) > 0 {
			session["tools"] = tools
		}
		t.emit(map[string]any{
			"type":    "session.update",
			"session": session,
		})
	})

	ex.OnToolResponse(func(ev rtevent.Event) {
		// One conversation item per function response; Gemini batches them,
		// the OpenAI dialect does not.
		for _, fr := range rtevent.SliceField(ev.Payload, "toolResponse", "functionResponses") {
			resp, ok := fr.(map[string]any)
			if !ok {
				continue
			}
			t.emit(map[string]any{
				"type": "conversation.item.create",
				"item": map[string]any{
					"type":    "function_call_output",
					"call_id": rtevent.StringField(resp, "id"),
					"output":  encodeJSONString(resp["response"]),
				},
			})
		}
	})
}

// geminiModelName qualifies a bare model name for the Gemini protocol,
// falling back to the default when no model travelled with the update.
func geminiModelName(model string) string {
	if model == "" {
		return defaultGeminiModel
	}
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// systemInstructionText joins the text parts of a Gemini systemInstruction.
func systemInstructionText(setup map[string]any) string {
	parts := rtevent.SliceField(setup, "systemInstruction", "parts")
	var sb strings.Builder
	for _, p := range parts {
		if obj, ok := p.(map[string]any); ok {
			sb.WriteString(rtevent.StringField(obj, "text"))
		}
	}
	return sb.String()
}

// parseJSONObject decodes a JSON-encoded string into an object. Non-object
// or malformed payloads are wrapped under an "output" key so the result is
// always a valid Gemini function response.
func parseJSONObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return map[string]any{"output": s}
	}
	return obj
}

// encodeJSONString renders v as the JSON string the OpenAI dialect expects
// for function outputs and arguments.
func encodeJSONString(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
