// Package daemon runs the single-threaded cooperative event loop that
// drives the poll tick, the shutdown tick, and bus message ingress
//. Never touches the serial line from more than one
// goroutine at a time — every tick and every inbound message is handled to
// completion before the next is considered.
package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metacash/payoutd/pkg/bus"
	"github.com/metacash/payoutd/pkg/device"
	"github.com/metacash/payoutd/pkg/handler"
	"github.com/metacash/payoutd/pkg/pollevents"
	"github.com/metacash/payoutd/pkg/ssp"
)

// Daemon owns the hopper and validator Device Sessions, the bus, and the
// Request Handler, and runs the cooperative dispatch loop.
type Daemon struct {
	Bus     bus.Bus
	Handler *handler.Handler
	Hopper  *device.Session
	Note    *device.Session
}

// Run blocks until ctx is cancelled or a "quit" command is handled, and
// returns nil in both cases. A failed poll marks that device unavailable
// and the loop keeps running; hardware errors do not end Run. It
// subscribes to the request topics, then publishes {"event":"started"}
// before entering the loop and {"event":"exiting"} immediately before
// returning.
func (d *Daemon) Run(ctx context.Context) error {
	hopperReqCh, hopperUnsub := d.Bus.Subscribe("hopper-request")
	defer hopperUnsub()
	validatorReqCh, validatorUnsub := d.Bus.Subscribe("validator-request")
	defer validatorUnsub()
	metacashCh, metacashUnsub := d.Bus.Subscribe("metacash")
	defer metacashUnsub()

	d.publishEvent("payout-event", "started")
	defer d.publishEvent("payout-event", "exiting")

	pollTicker := time.NewTicker(ssp.PollPeriod)
	defer pollTicker.Stop()
	shutdownTicker := time.NewTicker(ssp.ShutdownCheckPeriod)
	defer shutdownTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-d.Handler.Quit:
			return nil

		case <-shutdownTicker.C:
			// Nothing to check beyond giving ctx.Done() a bounded-latency
			// wakeup; kept as its own tick since the recovery sleep below
			// means pollTicker alone can't guarantee prompt shutdown.

		case <-pollTicker.C:
			time.Sleep(ssp.InterCommandRecovery) // hardware recovery wait
			d.pollOnce(ctx, device.KindHopper, d.Hopper)
			d.pollOnce(ctx, device.KindValidator, d.Note)

		case raw := <-hopperReqCh:
			time.Sleep(ssp.InterCommandRecovery)
			d.Handler.Handle(ctx, "hopper-request", raw)

		case raw := <-validatorReqCh:
			time.Sleep(ssp.InterCommandRecovery)
			d.Handler.Handle(ctx, "validator-request", raw)

		case raw := <-metacashCh:
			d.Handler.Handle(ctx, "metacash", raw)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context, kind device.Kind, dev *device.Session) {
	if dev == nil || !dev.Available() {
		return
	}

	events, err := ssp.Poll(ctx, dev.Frame())
	if err != nil {
		log.Warn().Str("device", string(kind)).Err(err).Msg("daemon: poll failed, marking unavailable")
		dev.SetAvailable(false)
		return
	}

	for _, ev := range events {
		if ev.Opcode == ssp.PollReset {
			if err := dev.HandleUnitReset(ctx); err != nil {
				log.Error().Str("device", string(kind)).Err(err).Msg("daemon: re-bringup after unit reset failed")
				dev.SetAvailable(false)
			}
		}

		if ev.Opcode == ssp.PollCalibrationFail && byte(ev.Data1) == ssp.CalibCommandRecal {
			if err := ssp.RunCalibration(ctx, dev.Frame()); err != nil {
				log.Warn().Str("device", string(kind)).Err(err).Msg("daemon: run_calibration failed")
			}
		}

		fields := pollevents.Translate(kind, ev, dev.ChannelTable())
		topic := hopperEventTopic(kind)
		payload, err := bus.Envelope("", fields)
		if err != nil {
			log.Error().Err(err).Msg("daemon: encode poll event")
			continue
		}
		_ = d.Bus.Publish(topic, payload)

		if payoutRelated(ev.Opcode) {
			payoutPayload, err := bus.Envelope("", fields)
			if err == nil {
				_ = d.Bus.Publish("payout-event", payoutPayload)
			}
		}
	}
}

func hopperEventTopic(kind device.Kind) string {
	if kind == device.KindHopper {
		return "hopper-event"
	}
	return "validator-event"
}

// payoutRelated reports whether a poll event also belongs on payout-event,
// the cross-cutting topic for events relevant to overall cash flow
// regardless of which unit produced them.
func payoutRelated(op ssp.PollOpcode) bool {
	switch op {
	case ssp.PollDispensed, ssp.PollCashboxPaid, ssp.PollIncompletePayout, ssp.PollIncompleteFloat:
		return true
	default:
		return false
	}
}

func (d *Daemon) publishEvent(topic, event string) {
	payload, err := bus.Envelope("", map[string]any{"event": event})
	if err != nil {
		log.Error().Err(err).Msg("daemon: encode lifecycle event")
		return
	}
	_ = d.Bus.Publish(topic, payload)
}
