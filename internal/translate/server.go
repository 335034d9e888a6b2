package translate

import (
	"github.com/voxswitch/voxswitch/internal/extract"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// wireServerOpenAIToGemini registers the OpenAI→Gemini reshapes for
// provider-originated traffic on t (provider speaks OpenAI, client speaks
// Gemini).
func wireServerOpenAIToGemini(t *Translator, ex extract.ServerExtractor) {
	ex.OnUserTranscript(func(_ rtevent.Event, text string) {
		t.emit(map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": text},
			},
		})
	})

	ex.OnResponseTranscript(func(_ rtevent.Event, text string) {
		t.emit(map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": text},
			},
		})
	})

	ex.OnResponseAudio(func(ev rtevent.Event) {
		t.emit(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": pcmMIMEType,
							"data":     rtevent.StringField(ev.Payload, "delta"),
						},
					}},
				},
			},
		})
	})

	ex.OnToolCall(func(ev rtevent.Event) {
		item := rtevent.MapField(ev.Payload, "item")
		t.emit(map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{map[string]any{
					"id":   rtevent.StringField(item, "call_id"),
					"name": rtevent.StringField(item, "name"),
					"args": parseJSONObject(rtevent.StringField(item, "arguments")),
				}},
			},
		})
	})

	ex.OnTurnBoundary(func(ev rtevent.Event) {
		// The Gemini dialect signals a turn with two messages: the terminal
		// marker, then turnComplete carrying the usage totals.
		marker := "generationComplete"
		if rtevent.StringField(ev.Payload, "response", "status") == "cancelled" {
			marker = "interrupted"
		}
		t.emit(map[string]any{"serverContent": map[string]any{marker: true}})

		done := map[string]any{"serverContent": map[string]any{"turnComplete": true}}
		if usage, ok := rtevent.Field(ev.Payload, "response", "usage", "total_tokens"); ok {
			done["usageMetadata"] = map[string]any{"totalTokenCount": usage}
		}
		t.emit(done)
	})
}

// wireServerGeminiToOpenAI registers the Gemini→OpenAI reshapes for
// provider-originated traffic on t (provider speaks Gemini, client speaks
// OpenAI).
func wireServerGeminiToOpenAI(t *Translator, ex extract.ServerExtractor) {
	ex.OnUserTranscript(func(_ rtevent.Event, text string) {
		t.emit(map[string]any{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": text,
		})
	})

	ex.OnResponseTranscript(func(_ rtevent.Event, text string) {
		t.emit(map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": text,
		})
	})

	ex.OnResponseAudio(func(ev rtevent.Event) {
		// A modelTurn can carry several inline-data parts; each becomes one
		// audio delta.
		for _, p := range rtevent.SliceField(ev.Payload, "serverContent", "modelTurn", "parts") {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			data := rtevent.StringField(part, "inlineData", "data")
			if data == "" {
				continue
			}
			t.emit(map[string]any{
				"type":  "response.audio.delta",
				"delta": data,
			})
		}
	})

	ex.OnToolCall(func(ev rtevent.Event) {
		for _, fc := range rtevent.SliceField(ev.Payload, "toolCall", "functionCalls") {
			call, ok := fc.(map[string]any)
			if !ok {
				continue
			}
			t.emit(map[string]any{
				"type": "response.output_item.done",
				"item": map[string]any{
					"type":      "function_call",
					"call_id":   rtevent.StringField(call, "id"),
					"name":      rtevent.StringField(call, "name"),
					"arguments": encodeJSONString(call["args"]),
				},
			})
		}
	})

	ex.OnTurnBoundary(func(ev rtevent.Event) {
		usage, _ := rtevent.Field(ev.Payload, "usageMetadata", "totalTokenCount")
		sc := rtevent.MapField(ev.Payload, "serverContent")
		switch {
		case rtevent.BoolField(sc, "generationComplete"):
			t.emit(responseDone("completed", usage))
		case rtevent.BoolField(sc, "interrupted"):
			t.emit(responseDone("cancelled", usage))
		default:
			// A bare turnComplete follows a generationComplete or interrupted
			// marker that already produced response.done; emitting another
			// would double the turn for the client.
		}
	})
}

func responseDone(status string, totalTokens any) map[string]any {
	response := map[string]any{"status": status}
	if totalTokens != nil {
		response["usage"] = map[string]any{"total_tokens": totalTokens}
	}
	return map[string]any{
		"type":     "response.done",
		"response": response,
	}
}
