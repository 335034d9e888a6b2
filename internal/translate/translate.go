// Package translate converts events between the supported realtime-API
// dialects. A [Translator] is a pipeline bus node that owns an extractor
// for its input style and re-emits each classified event reshaped into its
// output style; when input and output styles match it forwards events
// unchanged.
//
// Translations are semantic, not byte-exact: translating a dialect-X event
// to dialect Y and back yields an event the X extractor classifies into the
// same semantic bucket, but delta/full-text forms and field ordering may
// differ. The concrete reshapes live in client.go and server.go; recursive
// tool-schema type-case mapping lives in toolschema.go.
package translate

import (
	"fmt"

	"github.com/voxswitch/voxswitch/internal/extract"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Compile-time check that Translator is a bus node.
var _ rtevent.Node = (*Translator)(nil)

// Translator is a bus node converting events from one dialect to another.
// Create instances with [NewClient] or [NewServer]; the zero value is not
// usable.
type Translator struct {
	rtevent.Bus

	from, to rtevent.Vendor
	receive  func(ev rtevent.Event) error
	release  func()
}

// From returns the input dialect.
func (t *Translator) From() rtevent.Vendor { return t.from }

// To returns the output dialect.
func (t *Translator) To() rtevent.Vendor { return t.to }

// Receive implements [rtevent.Node]. Events the input-style extractor
// cannot classify are dropped (the extractor logs them at debug level).
func (t *Translator) Receive(ev rtevent.Event) error {
	return t.receive(ev)
}

// Cleanup releases the extractor's callback back-references and drops all
// subscribers. The translator is inert afterwards. Safe to call twice.
func (t *Translator) Cleanup() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
	t.Bus.Cleanup()
}

// NewClient builds the client-direction translator (client style → provider
// style). When the styles match, the returned translator forwards events
// unchanged.
func NewClient(from, to rtevent.Vendor) (*Translator, error) {
	if !from.IsValid() || !to.IsValid() {
		return nil, fmt.Errorf("translate: invalid direction %s→%s", from, to)
	}
	if from == to {
		return newIdentity(from), nil
	}

	ex, err := extract.NewClient(from)
	if err != nil {
		return nil, fmt.Errorf("translate: client %s→%s: %w", from, to, err)
	}
	t := &Translator{
		from:    from,
		to:      to,
		release: ex.Cleanup,
	}
	t.receive = func(ev rtevent.Event) error {
		ex.Extract(ev)
		return nil
	}

	switch from {
	case rtevent.VendorOpenAI:
		wireClientOpenAIToGemini(t, ex)
	case rtevent.VendorGemini:
		wireClientGeminiToOpenAI(t, ex)
	}
	return t, nil
}

// NewServer builds the server-direction translator (provider style → client
// style). When the styles match, the returned translator forwards events
// unchanged.
func NewServer(from, to rtevent.Vendor) (*Translator, error) {
	if !from.IsValid() || !to.IsValid() {
		return nil, fmt.Errorf("translate: invalid direction %s→%s", from, to)
	}
	if from == to {
		return newIdentity(from), nil
	}

	ex, err := extract.NewServer(from)
	if err != nil {
		return nil, fmt.Errorf("translate: server %s→%s: %w", from, to, err)
	}
	t := &Translator{
		from:    from,
		to:      to,
		release: ex.Cleanup,
	}
	t.receive = func(ev rtevent.Event) error {
		ex.Extract(ev)
		return nil
	}

	switch from {
	case rtevent.VendorOpenAI:
		wireServerOpenAIToGemini(t, ex)
	case rtevent.VendorGemini:
		wireServerGeminiToOpenAI(t, ex)
	}
	return t, nil
}

// newIdentity returns the pass-through translator. It owns no extractor, so
// unknown payload shapes flow through untouched — the gateway never rejects
// what it does not recognise.
func newIdentity(v rtevent.Vendor) *Translator {
	t := &Translator{from: v, to: v}
	t.receive = func(ev rtevent.Event) error {
		t.Emit(ev)
		return nil
	}
	return t
}

// emit tags payload with the translator's output dialect and fans it out.
func (t *Translator) emit(payload map[string]any) {
	t.Emit(rtevent.Event{Src: t.to, Payload: payload})
}
