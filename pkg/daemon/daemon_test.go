package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/metacash/payoutd/pkg/bus"
	"github.com/metacash/payoutd/pkg/device"
	"github.com/metacash/payoutd/pkg/handler"
	"github.com/metacash/payoutd/pkg/ssp"
	"github.com/metacash/payoutd/pkg/validation"
)

func TestPayoutRelated(t *testing.T) {
	cases := map[ssp.PollOpcode]bool{
		ssp.PollDispensed:        true,
		ssp.PollCashboxPaid:      true,
		ssp.PollIncompletePayout: true,
		ssp.PollIncompleteFloat:  true,
		ssp.PollCredit:           false,
		ssp.PollReset:            false,
	}
	for op, want := range cases {
		if got := payoutRelated(op); got != want {
			t.Errorf("payoutRelated(%v) = %v, want %v", op, got, want)
		}
	}
}

func TestHopperEventTopic(t *testing.T) {
	if got := hopperEventTopic(device.KindHopper); got != "hopper-event" {
		t.Errorf("hopper topic = %q, want hopper-event", got)
	}
	if got := hopperEventTopic(device.KindValidator); got != "validator-event" {
		t.Errorf("validator topic = %q, want validator-event", got)
	}
}

func TestRun_PublishesStartedAndExitingLifecycleEvents(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("payout-event")
	defer unsub()

	h := &handler.Handler{Bus: b, Validator: validation.NewValidator(), Quit: make(chan struct{})}
	d := &Daemon{Bus: b, Handler: h}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run should observe ctx already done and return immediately

	if err := d.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := decodeEvent(t, mustRecv(t, events))
	if first["event"] != "started" {
		t.Errorf("first lifecycle event = %v, want started", first["event"])
	}
	second := decodeEvent(t, mustRecv(t, events))
	if second["event"] != "exiting" {
		t.Errorf("second lifecycle event = %v, want exiting", second["event"])
	}
}

func TestRun_QuitCommandStopsLoop(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("payout-event")
	defer unsub()
	h := &handler.Handler{Bus: b, Validator: validation.NewValidator(), Quit: make(chan struct{})}
	d := &Daemon{Bus: b, Handler: h}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Run is subscribed to the request topics once "started" is out.
	if started := decodeEvent(t, mustRecv(t, events)); started["event"] != "started" {
		t.Fatalf("first lifecycle event = %v, want started", started["event"])
	}

	req, err := bus.Envelope("", map[string]any{"cmd": "quit"})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish("hopper-request", req); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not exit after quit command")
	}
}

func mustRecv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus message")
		return nil
	}
}

func decodeEvent(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return out
}
