package ssp

import (
	"context"
	"encoding/binary"
	"fmt"
)

// sspError wraps a non-OK status the way every catalog function reports a
// rejected command: callers type-assert or use errors.As to recover the
// status and reuse it in the "sspError: <phrase>" wire message.
type sspError struct {
	cmd      byte
	status   Status
	subError byte // valid only when status == StatusCommandNotProcessed
}

func (e *sspError) Error() string {
	if e.status == StatusCommandNotProcessed {
		return fmt.Sprintf("ssp: command 0x%02x rejected: %s: %s", e.cmd, e.status, PayoutSubErrorPhrase(e.subError))
	}
	return fmt.Sprintf("ssp: command 0x%02x rejected: %s", e.cmd, e.status)
}

// Status lets callers recover the rejected status without re-parsing the
// error string.
func (e *sspError) Status() Status { return e.status }

// Reason returns the payout/float sub-error phrase, or "" when the
// rejection wasn't a COMMAND_NOT_PROCESSED.
func (e *sspError) Reason() string {
	if e.status != StatusCommandNotProcessed {
		return ""
	}
	return PayoutSubErrorPhrase(e.subError)
}

func exchange(ctx context.Context, s *Session, cmd byte, payload []byte) (Status, []byte, error) {
	status, resp, err := s.Exchange(ctx, cmd, payload, DefaultRetryBudget, DefaultCommandTimeout)
	if err != nil {
		return status, nil, err
	}
	if status != StatusOK {
		return status, resp, &sspError{cmd: cmd, status: status}
	}
	return status, resp, nil
}

// PollEvent is one decoded event from a POLL response: an opcode plus its
// two 32-bit data words and 3-char currency code. Opcodes that don't carry
// one of these fields simply leave it zero/empty.
type PollEvent struct {
	Opcode   PollOpcode
	Data1    uint32
	Data2    uint32
	Currency string
}

const pollEventLen = 1 + 4 + 4 + 3

// Poll issues a POLL command and decodes every event the device reports in
// a single response (a POLL response packs zero or more fixed-width
// records back to back, each { opcode, data1, data2, currency code }).
func Poll(ctx context.Context, s *Session) ([]PollEvent, error) {
	_, resp, err := exchange(ctx, s, cmdPoll, nil)
	if err != nil {
		return nil, err
	}
	if len(resp)%pollEventLen != 0 {
		return nil, fmt.Errorf("ssp: poll response length %d not a multiple of %d", len(resp), pollEventLen)
	}

	events := make([]PollEvent, 0, len(resp)/pollEventLen)
	for i := 0; i+pollEventLen <= len(resp); i += pollEventLen {
		rec := resp[i : i+pollEventLen]
		events = append(events, PollEvent{
			Opcode:   PollOpcode(rec[0]),
			Data1:    binary.LittleEndian.Uint32(rec[1:5]),
			Data2:    binary.LittleEndian.Uint32(rec[5:9]),
			Currency: string(rec[9:12]),
		})
	}
	return events, nil
}

// Sync issues the SYNC command that resets the device's sequence counter
// and moves the session from Fresh to Synced.
func Sync(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdSync, nil)
	return err
}

// HostProtocol negotiates the host protocol version (always 6 for this
// deployment).
func HostProtocol(ctx context.Context, s *Session, version byte) error {
	_, _, err := exchange(ctx, s, cmdHostProtocol, []byte{version})
	return err
}

// Setup is the decoded SETUP_REQUEST response: unit identity plus the
// channel table needed to interpret later channel-indexed poll events.
type Setup struct {
	UnitType       byte
	FirmwareVer    string
	CountryCode    string
	ChannelValues  []uint32 // per-channel face value, index 0-based
	ChannelCurrency string
	ProtocolVer    byte
}

// SetupRequest decodes the device identity and channel table.
func SetupRequest(ctx context.Context, s *Session) (*Setup, error) {
	_, resp, err := exchange(ctx, s, cmdSetupRequest, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 {
		return nil, fmt.Errorf("ssp: setup_request response too short")
	}

	setup := &Setup{
		UnitType:    resp[0],
		FirmwareVer: string(resp[1:5]),
		CountryCode: string(resp[5:8]),
	}

	rest := resp[8:]
	if len(rest) < 1 {
		return setup, nil
	}
	numChannels := int(rest[0])
	rest = rest[1:]
	for i := 0; i < numChannels && len(rest) >= 1; i++ {
		setup.ChannelValues = append(setup.ChannelValues, uint32(rest[0]))
		rest = rest[1:]
	}
	if len(rest) >= 3 {
		setup.ChannelCurrency = string(rest[:3])
		rest = rest[3:]
	}
	if len(rest) >= 1 {
		setup.ProtocolVer = rest[0]
	}
	return setup, nil
}

// Enable enables note/coin acceptance (hopper and validator alike).
func Enable(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdEnable, nil)
	return err
}

// Disable disables acceptance without losing the setup/channel state.
func Disable(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdDisable, nil)
	return err
}

// EnablePayout arms the payout engine on validator/payout-capable units;
// required in addition to Enable before PAYOUT/FLOAT commands are accepted.
func EnablePayout(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdEnablePayout, nil)
	return err
}

// SetInhibits sends the channel masks as given (a set bit allows the
// channel). Channels 0-7 in the low byte, 8-15 in the high byte.
func SetInhibits(ctx context.Context, s *Session, lowMask, highMask byte) error {
	_, _, err := exchange(ctx, s, cmdSetInhibits, []byte{lowMask, highMask})
	return err
}

// SetCoinInhibits sets the inhibit state for one coin channel.
func SetCoinInhibits(ctx context.Context, s *Session, channel byte, inhibit bool) error {
	var state byte
	if !inhibit {
		state = 1
	}
	_, _, err := exchange(ctx, s, cmdSetCoinInhibits, []byte{channel, state})
	return err
}

// SetRoute sends one denomination of a given currency to the cashbox
// (RouteCashbox) or to storage for later payout (RouteStorage).
func SetRoute(ctx context.Context, s *Session, amount uint32, currency string, route byte) error {
	payload := make([]byte, 0, 8)
	var amt [4]byte
	binary.LittleEndian.PutUint32(amt[:], amount)
	payload = append(payload, amt[:]...)
	payload = append(payload, []byte(currency)...)
	payload = append(payload, route)
	_, _, err := exchange(ctx, s, cmdSetRoute, payload)
	return err
}

func encodeAmount(amount uint32, currency string, option byte) []byte {
	payload := make([]byte, 0, 9)
	var amt [4]byte
	binary.LittleEndian.PutUint32(amt[:], amount)
	payload = append(payload, amt[:]...)
	payload = append(payload, []byte(currency)...)
	payload = append(payload, option)
	return payload
}

// encodeFloat builds the float payload, which unlike payout carries a
// leading minimum-payout threshold ahead of the keep-amount.
func encodeFloat(min uint16, keepAmount uint32, currency string, option byte) []byte {
	payload := make([]byte, 0, 11)
	var m [2]byte
	binary.LittleEndian.PutUint16(m[:], min)
	payload = append(payload, m[:]...)
	var amt [4]byte
	binary.LittleEndian.PutUint32(amt[:], keepAmount)
	payload = append(payload, amt[:]...)
	payload = append(payload, []byte(currency)...)
	payload = append(payload, option)
	return payload
}

// floatMinimum is the minimum float-keep threshold this deployment always
// requests.
const floatMinimum uint16 = 100

// PayoutResult carries the sub-error byte when a payout/float request comes
// back COMMAND_NOT_PROCESSED.
type PayoutResult struct {
	SubError byte
}

// Payout requests the hopper/validator pay the given amount. test selects
// OptionTest (dry run, no dispense) vs. OptionDo (actually dispense).
func Payout(ctx context.Context, s *Session, amount uint32, currency string, test bool) (*PayoutResult, error) {
	option := OptionDo
	if test {
		option = OptionTest
	}
	return doPayoutLike(ctx, s, cmdPayoutAmount, encodeAmount(amount, currency, option))
}

// Float requests the unit distribute stored value down to its target float
// level. Same option/sub-error shape as Payout, but the wire payload carries
// a leading minimum-payout threshold ahead of the keep-amount.
func Float(ctx context.Context, s *Session, amount uint32, currency string, test bool) (*PayoutResult, error) {
	option := OptionDo
	if test {
		option = OptionTest
	}
	return doPayoutLike(ctx, s, cmdFloat, encodeFloat(floatMinimum, amount, currency, option))
}

func doPayoutLike(ctx context.Context, s *Session, cmd byte, payload []byte) (*PayoutResult, error) {
	status, resp, err := exchange(ctx, s, cmd, payload)
	if err == nil {
		return &PayoutResult{}, nil
	}
	if status == StatusCommandNotProcessed && len(resp) >= 1 {
		if se, ok := err.(*sspError); ok {
			se.subError = resp[0]
		}
		return &PayoutResult{SubError: resp[0]}, err
	}
	return nil, err
}

// Empty requests the unit empty its full note/coin store to the cashbox.
func Empty(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdEmpty, nil)
	return err
}

// SmartEmpty empties while keeping per-denomination counts available via
// CashboxPayoutOperationData.
func SmartEmpty(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdSmartEmpty, nil)
	return err
}

// SetDenominationLevel sets the stored count for one denomination/currency
// pair. For a level above 0 the request handler issues this twice back to
// back (first with level 0) for the known double-issue quirk; this function
// sends exactly one.
func SetDenominationLevel(ctx context.Context, s *Session, count uint16, value uint32, currency string) error {
	payload := make([]byte, 0, 9)
	var cnt [2]byte
	binary.LittleEndian.PutUint16(cnt[:], count)
	payload = append(payload, cnt[:]...)
	var val [4]byte
	binary.LittleEndian.PutUint32(val[:], value)
	payload = append(payload, val[:]...)
	payload = append(payload, []byte(currency)...)
	_, _, err := exchange(ctx, s, cmdSetDenominationLevel, payload)
	return err
}

// SetCashboxPayoutLimit caps how far smart-empty/payout may draw down the
// stored count of one denomination before refusing further payout.
func SetCashboxPayoutLimit(ctx context.Context, s *Session, limit uint16, denomination uint32, currency string) error {
	payload := make([]byte, 0, 10)
	payload = append(payload, 1) // count, always 1 for this deployment
	var lim [2]byte
	binary.LittleEndian.PutUint16(lim[:], limit)
	payload = append(payload, lim[:]...)
	var denom [4]byte
	binary.LittleEndian.PutUint32(denom[:], denomination)
	payload = append(payload, denom[:]...)
	payload = append(payload, []byte(currency)...)
	_, _, err := exchange(ctx, s, cmdSetCashboxPayoutLimit, payload)
	return err
}

// Level is one denomination's stored count, as reported by GetAllLevels.
type Level struct {
	Count    uint16
	Value    uint32
	Currency string
}

// GetAllLevels decodes the full set of denomination counts currently held.
func GetAllLevels(ctx context.Context, s *Session) ([]Level, error) {
	_, resp, err := exchange(ctx, s, cmdGetAllLevels, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("ssp: get_all_levels response too short")
	}
	n := int(binary.LittleEndian.Uint16(resp[:2]))
	rest := resp[2:]

	levels := make([]Level, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) < 9 {
			return levels, fmt.Errorf("ssp: truncated level entry %d", i)
		}
		levels = append(levels, Level{
			Count:    binary.LittleEndian.Uint16(rest[0:2]),
			Value:    binary.LittleEndian.Uint32(rest[2:6]),
			Currency: string(rest[6:9]),
		})
		rest = rest[9:]
	}
	return levels, nil
}

// PayoutOperationData is the per-denomination movement report returned
// after a smart-empty, plus the count of coins/notes moved that the unit
// couldn't attribute to a known denomination.
type PayoutOperationData struct {
	Levels       []Level
	UnknownCount uint32
}

// CashboxPayoutOperationData decodes the counts actually moved by the most
// recent smart-empty, including the trailing unknown-denomination count.
func CashboxPayoutOperationData(ctx context.Context, s *Session) (*PayoutOperationData, error) {
	_, resp, err := exchange(ctx, s, cmdCashboxPayoutOperationData, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return &PayoutOperationData{}, nil
	}
	n := int(resp[0])
	rest := resp[1:]
	data := &PayoutOperationData{Levels: make([]Level, 0, n)}
	for i := 0; i < n; i++ {
		if len(rest) < 9 {
			return data, fmt.Errorf("ssp: truncated payout-operation-data entry %d", i)
		}
		data.Levels = append(data.Levels, Level{
			Count:    binary.LittleEndian.Uint16(rest[0:2]),
			Value:    binary.LittleEndian.Uint32(rest[2:6]),
			Currency: string(rest[6:9]),
		})
		rest = rest[9:]
	}
	if len(rest) >= 3 {
		data.UnknownCount = uint32(rest[0]) | uint32(rest[1])<<8 | uint32(rest[2])<<16
	}
	return data, nil
}

// LastRejectNote returns the reason code and phrase for the most recently
// rejected note.
func LastRejectNote(ctx context.Context, s *Session) (byte, string, error) {
	_, resp, err := exchange(ctx, s, cmdLastRejectNote, nil)
	if err != nil {
		return 0, "", err
	}
	if len(resp) < 1 {
		return 0, "", fmt.Errorf("ssp: last_reject_note response too short")
	}
	return resp[0], LastRejectReasonPhrase(resp[0]), nil
}

// GetFirmwareVersion returns the ASCII firmware version string.
func GetFirmwareVersion(ctx context.Context, s *Session) (string, error) {
	_, resp, err := exchange(ctx, s, cmdGetFirmwareVersion, nil)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// GetDatasetVersion returns the ASCII currency dataset version string.
func GetDatasetVersion(ctx context.Context, s *Session) (string, error) {
	_, resp, err := exchange(ctx, s, cmdGetDatasetVersion, nil)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// ConfigureBezel sets the validator's illuminated bezel colour and
// behaviour. volatile selects whether the setting survives a power cycle;
// kind selects the bezel's operating mode (solid, pulsing, ...).
func ConfigureBezel(ctx context.Context, s *Session, r, g, b byte, volatile bool, kind byte) error {
	var volByte byte
	if volatile {
		volByte = 1
	}
	_, _, err := exchange(ctx, s, cmdConfigureBezel, []byte{r, g, b, volByte, kind})
	return err
}

// RunCalibration triggers a synchronous recalibration cycle, issued after a
// poll reports COMMAND_RECAL.
func RunCalibration(ctx context.Context, s *Session) error {
	_, _, err := exchange(ctx, s, cmdRunCalibration, nil)
	return err
}

// SetRefillMode selects whether payout-capable channels refill automatically.
// Treated as best-effort by callers: a failure here is logged, not fatal.
func SetRefillMode(ctx context.Context, s *Session, mode byte) error {
	_, _, err := exchange(ctx, s, cmdSetRefillMode, []byte{mode})
	return err
}

// ChannelSecurity returns the per-channel security/encryption state bitmap.
func ChannelSecurity(ctx context.Context, s *Session) ([]byte, error) {
	_, resp, err := exchange(ctx, s, cmdChannelSecurity, nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
