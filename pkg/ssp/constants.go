// Package ssp implements the vendor SSP ("Smiley Secure Protocol") framing,
// encryption envelope, and command catalog used to talk to the coin hopper
// and banknote validator over a serial line.
package ssp

import "time"

// Frame delimiters and byte-stuffing.
const (
	stxByte = 0x7F
)

// Command bytes, assigned consistently with the public ITL SSP command set.
const (
	cmdSetInhibits                byte = 0x02
	cmdDisplayOn                  byte = 0x03
	cmdDisplayOff                 byte = 0x04
	cmdSetupRequest               byte = 0x05
	cmdHostProtocol               byte = 0x06
	cmdPoll                       byte = 0x07
	cmdDisable                    byte = 0x09
	cmdEnable                     byte = 0x0A
	cmdChannelSecurity            byte = 0x0E
	cmdSync                       byte = 0x11
	cmdLastRejectNote             byte = 0x17
	cmdGetFirmwareVersion         byte = 0x20
	cmdGetDatasetVersion          byte = 0x21
	cmdGetAllLevels               byte = 0x22
	cmdSetRefillMode              byte = 0x30
	cmdPayoutAmount               byte = 0x33
	cmdSetDenominationLevel       byte = 0x34
	cmdSetCoinInhibits            byte = 0x3A
	cmdSetRoute                   byte = 0x3B
	cmdEmpty                      byte = 0x3C
	cmdFloat                      byte = 0x3F
	cmdSetCashboxPayoutLimit      byte = 0x4E
	cmdSmartEmpty                 byte = 0x52
	cmdCashboxPayoutOperationData byte = 0x53
	cmdConfigureBezel             byte = 0x54
	cmdEnablePayout               byte = 0x5C
	cmdRunCalibration             byte = 0x16
)

// Response status codes (first byte of every response payload).
type Status byte

const (
	StatusOK                   Status = 0xF0
	StatusUnknownCommand       Status = 0xF2
	StatusIncorrectParameters  Status = 0xF3
	StatusInvalidParameter     Status = 0xF4
	StatusCommandNotProcessed  Status = 0xF5
	StatusSoftwareError        Status = 0xF6
	StatusChecksumError        Status = 0xF7
	StatusFailure              Status = 0xF8
	StatusHeaderFailure        Status = 0xF9
	StatusKeyNotSet            Status = 0xFA
	StatusTimeout              Status = 0xFF // internal only; never on the wire
)

// String renders the status the way it is surfaced as an sspError phrase.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusIncorrectParameters:
		return "incorrect parameters"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusCommandNotProcessed:
		return "command not processed"
	case StatusSoftwareError:
		return "software error"
	case StatusChecksumError:
		return "checksum error"
	case StatusFailure:
		return "failure"
	case StatusHeaderFailure:
		return "header failure"
	case StatusKeyNotSet:
		return "key not set"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown status"
	}
}

// Poll event opcodes reported in a POLL response, one per unit event.
type PollOpcode byte

const (
	PollReset              PollOpcode = 0xF1
	PollRead               PollOpcode = 0xEF
	PollCredit             PollOpcode = 0xEE
	PollIncompletePayout   PollOpcode = 0xED
	PollIncompleteFloat    PollOpcode = 0xEC
	PollRejecting          PollOpcode = 0xEB
	PollRejected           PollOpcode = 0xEA
	PollStacking           PollOpcode = 0xCC
	PollStacked            PollOpcode = 0xE9
	PollStored             PollOpcode = 0xE8
	PollDispensing         PollOpcode = 0xE7
	PollDispensed          PollOpcode = 0xE6
	PollJammed             PollOpcode = 0xE5
	PollFraudAttempt       PollOpcode = 0xE4
	PollCalibrationFail    PollOpcode = 0xE3
	PollSafeJam            PollOpcode = 0xE2
	PollUnsafeJam          PollOpcode = 0xE1
	PollDisabled           PollOpcode = 0xE0
	PollCoinCredit         PollOpcode = 0xDD
	PollEmpty              PollOpcode = 0xDC
	PollEmptying           PollOpcode = 0xDB
	PollSmartEmptying      PollOpcode = 0xDA
	PollSmartEmptied       PollOpcode = 0xD9
	PollFloating           PollOpcode = 0xD8
	PollFloated            PollOpcode = 0xD7
	PollCashboxPaid        PollOpcode = 0xD6
	PollStackerFull        PollOpcode = 0xD5
	PollCashBoxRemoved     PollOpcode = 0xD4
	PollCashBoxReplaced    PollOpcode = 0xD3
	PollClearedFromFront   PollOpcode = 0xD2
	PollClearedIntoCashbox PollOpcode = 0xD1
)

// Calibration-fail sub error codes (data1 of a PollCalibrationFail event).
const (
	CalibNoError        byte = 0x00
	CalibSensorFlap     byte = 0x01
	CalibSensorExit     byte = 0x02
	CalibSensorCoil1    byte = 0x03
	CalibSensorCoil2    byte = 0x04
	CalibNotInitialized byte = 0x05
	CalibChecksumError  byte = 0x06
	CalibCommandRecal   byte = 0x07
)

// Payout/float option bytes distinguishing a test run from a real payout.
const (
	OptionTest byte = 0x19
	OptionDo   byte = 0x58
)

// Payout COMMAND_NOT_PROCESSED sub-error codes.
const (
	PayoutSubErrNotEnoughValue byte = 0x01
	PayoutSubErrCantPayExact   byte = 0x02
	PayoutSubErrBusy           byte = 0x03
	PayoutSubErrDisabled       byte = 0x04
)

// PayoutSubErrorPhrase maps a payout/float COMMAND_NOT_PROCESSED sub-error
// byte to the phrase surfaced on the bus.
func PayoutSubErrorPhrase(code byte) string {
	switch code {
	case PayoutSubErrNotEnoughValue:
		return "not enough value in device"
	case PayoutSubErrCantPayExact:
		return "can't pay exact amount"
	case PayoutSubErrBusy:
		return "the payout device is busy"
	case PayoutSubErrDisabled:
		return "the payout device is disabled"
	default:
		return "unknown sub-error"
	}
}

// lastRejectReasons maps the last-reject-note reason byte (0x00..0x1C) to its
// phrase.
var lastRejectReasons = map[byte]string{
	0x00: "note accepted",
	0x01: "note length incorrect",
	0x02: "reject reason 2",
	0x03: "reject reason 3",
	0x04: "reject reason 4",
	0x05: "reject reason 5",
	0x06: "channel inhibited",
	0x07: "second note inserted",
	0x08: "reject reason 8",
	0x09: "note recognised in more than one channel",
	0x0A: "reject reason 10",
	0x0B: "note too long",
	0x0C: "reject reason 12",
	0x0D: "mechanism slow/stalled",
	0x0E: "strimming attempt detected",
	0x0F: "fraud channel reject",
	0x10: "no notes inserted",
	0x11: "peak detect fail",
	0x12: "twisted note detected",
	0x13: "escrow time-out",
	0x14: "bar code scan fail",
	0x15: "rear sensor 2 fail",
	0x16: "slot fail 1",
	0x17: "slot fail 2",
	0x18: "lens over sample",
	0x19: "width detect fail",
	0x1A: "short note detected",
	0x1B: "note payout",
	0x1C: "unable to accept note",
}

// LastRejectReasonPhrase returns the phrase for a last-reject-note code.
func LastRejectReasonPhrase(code byte) string {
	if p, ok := lastRejectReasons[code]; ok {
		return p
	}
	return "unknown reason"
}

// Route destinations for set-route / set-denomination-level's implied routing.
const (
	RouteCashbox byte = 0x00
	RouteStorage byte = 0x01
)

// Retry / timing defaults.
const (
	DefaultRetryBudget    = 3
	DefaultCommandTimeout = 1000 * time.Millisecond
	InterCommandRecovery  = 300 * time.Millisecond
	PollPeriod            = 1 * time.Second
	ShutdownCheckPeriod   = 500 * time.Millisecond
)

// Currency is fixed for this deployment.
const Currency = "EUR"
