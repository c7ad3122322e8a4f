// Package pollevents translates decoded SSP poll events into the JSON
// documents published on hopper-event/validator-event/payout-event.
package pollevents

import (
	"fmt"

	"github.com/metacash/payoutd/pkg/device"
	"github.com/metacash/payoutd/pkg/ssp"
)

// Translate converts one decoded poll event into the JSON-ready field map
// the caller stamps with bus.Envelope and publishes. channels is the
// cached channel table, used to resolve a channel-indexed event to its
// face value. Event shape diverges between the hopper and the validator:
// the same opcode can carry different fields, or apply to only one kind.
func Translate(kind device.Kind, ev ssp.PollEvent, channels device.ChannelTable) map[string]any {
	isHopper := kind == device.KindHopper

	switch ev.Opcode {
	case ssp.PollReset:
		return map[string]any{"event": "unit reset"}

	case ssp.PollRead:
		if ev.Data1 == 0 {
			return map[string]any{"event": "read"}
		}
		return channelEvent("read", ev, channels)

	case ssp.PollCredit:
		return channelEvent("credit", ev, channels)

	case ssp.PollCoinCredit:
		if isHopper {
			return channelEvent("coin credit", ev, channels)
		}
		return map[string]any{"event": "unknown", "id": fmt.Sprintf("0x%02X", byte(ev.Opcode))}

	case ssp.PollDispensing:
		if isHopper {
			return map[string]any{"event": "dispensing", "amount": ev.Data1}
		}
	case ssp.PollDispensed:
		if isHopper {
			return map[string]any{"event": "dispensed", "amount": ev.Data1}
		}

	case ssp.PollFloating:
		if isHopper {
			return withAmountCurrency("floating", ev)
		}
	case ssp.PollFloated:
		if isHopper {
			return withAmountCurrency("floated", ev)
		}
	case ssp.PollCashboxPaid:
		if isHopper {
			return withAmountCurrency("cashbox paid", ev)
		}

	case ssp.PollEmpty:
		return map[string]any{"event": "empty"}
	case ssp.PollEmptying:
		return map[string]any{"event": "emptying"}
	case ssp.PollJammed:
		return map[string]any{"event": "jammed"}
	case ssp.PollDisabled:
		return map[string]any{"event": "disabled"}

	case ssp.PollSmartEmptying:
		if isHopper {
			return withAmountCurrency("smart emptying", ev)
		}
		return map[string]any{"event": "smart emptying"}
	case ssp.PollSmartEmptied:
		if isHopper {
			return withAmountCurrency("smart emptied", ev)
		}
		return map[string]any{"event": "smart emptied"}

	case ssp.PollIncompletePayout:
		return incompleteEvent("incomplete payout", ev)
	case ssp.PollIncompleteFloat:
		return incompleteEvent("incomplete float", ev)

	case ssp.PollStacking:
		if !isHopper {
			return map[string]any{"event": "stacking"}
		}
	case ssp.PollStored:
		if !isHopper {
			return map[string]any{"event": "stored"}
		}
	case ssp.PollStacked:
		if !isHopper {
			return map[string]any{"event": "stacked"}
		}
	case ssp.PollRejecting:
		if !isHopper {
			return map[string]any{"event": "rejecting"}
		}
	case ssp.PollRejected:
		if !isHopper {
			return map[string]any{"event": "rejected"}
		}
	case ssp.PollSafeJam:
		if !isHopper {
			return map[string]any{"event": "safe jam"}
		}
	case ssp.PollUnsafeJam:
		if !isHopper {
			return map[string]any{"event": "unsafe jam"}
		}
	case ssp.PollStackerFull:
		if !isHopper {
			return map[string]any{"event": "stacker full"}
		}
	case ssp.PollCashBoxRemoved:
		if !isHopper {
			return map[string]any{"event": "cash box removed"}
		}
	case ssp.PollCashBoxReplaced:
		if !isHopper {
			return map[string]any{"event": "cash box replaced"}
		}
	case ssp.PollClearedFromFront:
		if !isHopper {
			return map[string]any{"event": "cleared from front"}
		}
	case ssp.PollClearedIntoCashbox:
		if !isHopper {
			return map[string]any{"event": "cleared into cashbox"}
		}

	case ssp.PollFraudAttempt:
		if isHopper {
			return map[string]any{"event": "fraud attempt"}
		}
		return map[string]any{"event": "fraud attempt", "dispensed": ev.Data1}

	case ssp.PollCalibrationFail:
		code := byte(ev.Data1)
		if code == ssp.CalibCommandRecal {
			return map[string]any{"event": "recalibrating"}
		}
		return map[string]any{"event": "calibration fail", "error": calibrationReason(code)}
	}

	return map[string]any{"event": "unknown", "id": fmt.Sprintf("0x%02X", byte(ev.Opcode))}
}

// channelEvent builds the {"event", "channel", "amount", "cc"} shape shared
// by channel-indexed poll events: data1 is the 1-indexed channel number,
// resolved to its face value via the cached channel table.
func channelEvent(name string, ev ssp.PollEvent, channels device.ChannelTable) map[string]any {
	fields := map[string]any{"event": name}
	if ev.Data1 == 0 {
		return fields
	}
	channel := ev.Data1
	fields["channel"] = channel

	idx := int(channel)
	if idx >= 1 && idx <= len(channels.Values) {
		fields["amount"] = channels.Values[idx-1] * 100
		if channels.Currency != "" {
			fields["cc"] = channels.Currency
		}
	}
	return fields
}

// withAmountCurrency builds the {"event", "amount", "cc"} shape used by
// hopper-only value-movement events, which carry the amount and currency
// directly in data1/cc rather than a channel index.
func withAmountCurrency(name string, ev ssp.PollEvent) map[string]any {
	fields := map[string]any{"event": name, "amount": ev.Data1}
	if ev.Currency != "" {
		fields["cc"] = ev.Currency
	}
	return fields
}

// incompleteEvent builds the {"event", "dispensed", "requested", "cc"}
// shape shared by both hopper and validator incomplete-payout/float events.
func incompleteEvent(name string, ev ssp.PollEvent) map[string]any {
	fields := map[string]any{"event": name, "dispensed": ev.Data1, "requested": ev.Data2}
	if ev.Currency != "" {
		fields["cc"] = ev.Currency
	}
	return fields
}

func calibrationReason(code byte) string {
	switch code {
	case ssp.CalibNoError:
		return "no error"
	case ssp.CalibSensorFlap:
		return "flap sensor"
	case ssp.CalibSensorExit:
		return "exit sensor"
	case ssp.CalibSensorCoil1:
		return "coil sensor 1"
	case ssp.CalibSensorCoil2:
		return "coil sensor 2"
	case ssp.CalibNotInitialized:
		return "not initialized"
	case ssp.CalibChecksumError:
		return "checksum error"
	default:
		return "unknown"
	}
}
