package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/metacash/payoutd/pkg/validation"
)

type fakeBus struct {
	published map[string][]map[string]any
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][]map[string]any)}
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	b.published[topic] = append(b.published[topic], msg)
	return nil
}

func (b *fakeBus) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte)
	return ch, func() { close(ch) }
}

func newTestHandler() (*Handler, *fakeBus) {
	fb := newFakeBus()
	h := &Handler{
		Bus:       fb,
		Validator: validation.NewValidator(),
		Quit:      make(chan struct{}),
	}
	return h, fb
}

func TestHandle_MalformedJSON(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte("not json"))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resp))
	}
	if resp[0]["error"] != "could not parse json" {
		t.Errorf("error = %v, want could not parse json", resp[0]["error"])
	}
	if _, ok := resp[0]["correlId"]; ok {
		t.Errorf("expected no correlId on a parse error, got %v", resp[0]["correlId"])
	}
}

func TestHandle_MissingCmd(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"msgId":"1"}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %v", resp)
	}
	if resp[0]["error"] != "Property 'cmd' missing or of wrong type" {
		t.Errorf("error = %v, want the missing-cmd phrase", resp[0]["error"])
	}
}

func TestHandle_MissingMsgID(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"test"}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %v", resp)
	}
	if resp[0]["error"] != "Property 'msgId' missing or of wrong type" {
		t.Errorf("error = %v, want the missing-msgId phrase", resp[0]["error"])
	}
}

func TestHandle_UnknownTopic(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "unknown-request", []byte(`{"cmd":"test","msgId":"1"}`))

	resp := fb.published["unknown-request-response"]
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %v", resp)
	}
	if _, ok := resp[0]["error"]; !ok {
		t.Errorf("expected an error field, got %v", resp[0])
	}
}

func TestHandle_MetacashIsNoOp(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "metacash", []byte(`{"cmd":"anything","msgId":"1"}`))

	if len(fb.published) != 0 {
		t.Errorf("expected no publishes for metacash topic, got %v", fb.published)
	}
}

func TestHandle_TestCommandDoesNotRequireDevice(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"test","msgId":"abc"}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 || resp[0]["result"] != "ok" {
		t.Fatalf("expected ok response, got %v", resp)
	}
	if resp[0]["correlId"] != "abc" {
		t.Errorf("correlId = %v, want abc", resp[0]["correlId"])
	}
}

func TestHandle_QuitClosesChannel(t *testing.T) {
	h, _ := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"quit","msgId":"1"}`))

	select {
	case <-h.Quit:
	default:
		t.Error("expected Quit channel to be closed")
	}
}

func TestHandle_ValidationErrorRejectsPayload(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"configure-bezel","msgId":"1","r":999,"g":0,"b":0,"type":0}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 {
		t.Fatalf("expected 1 response, got %v", resp)
	}
	if _, ok := resp[0]["error"]; !ok {
		t.Errorf("expected a validation error response, got %v", resp[0])
	}
}

func TestHandle_MissingRequiredFieldNamesIt(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"enable-channels","msgId":"1"}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 || resp[0]["error"] != "Property 'channels' missing or of wrong type" {
		t.Fatalf("expected missing-channels error, got %v", resp)
	}
}

func TestHandle_HardwareUnavailable(t *testing.T) {
	h, fb := newTestHandler()
	h.Handle(context.Background(), "hopper-request", []byte(`{"cmd":"empty","msgId":"1"}`))

	resp := fb.published["hopper-response"]
	if len(resp) != 1 || resp[0]["error"] != "hardware unavailable" {
		t.Fatalf("expected hardware unavailable error, got %v", resp)
	}
}
