package ssp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Transport is the minimal surface the framing layer needs from the serial
// line (transport.Port satisfies this without an import cycle).
type Transport interface {
	Write(data []byte) error
	Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error)
}

// SessionState is the per-device bring-up state machine.
type SessionState int

const (
	StateFresh SessionState = iota
	StateSynced
	StateProtocol6
	StateSetupKnown
	StateEnabled
)

func (s SessionState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateSynced:
		return "synced"
	case StateProtocol6:
		return "protocol6"
	case StateSetupKnown:
		return "setup-known"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// Session wraps a Transport with the SSP framing, sequence-bit bookkeeping,
// retry policy, and encryption envelope for one device address.
type Session struct {
	transport Transport
	addr      byte
	name      string

	presharedKey uint64
	sessionKey   uint64
	encEnabled   bool
	encCounter   uint32

	state  SessionState
	seqBit byte
}

// NewSession creates a framing session for the device at addr, identified by
// name for logging (matches zigbee's per-component log fields).
func NewSession(t Transport, addr byte, presharedKey uint64, name string) *Session {
	return &Session{
		transport:    t,
		addr:         addr,
		name:         name,
		presharedKey: presharedKey,
		state:        StateFresh,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// EncryptionEnabled reports whether the encryption envelope is active.
func (s *Session) EncryptionEnabled() bool { return s.encEnabled }

// HandleUnitReset is invoked (through device.Session.HandleUnitReset) by the
// daemon's poll loop the moment a "unit reset" poll event is observed: the encryption
// flag is cleared and the sequence bit re-synced; the caller must issue
// HOST_PROTOCOL(0x06) before any other command reaches this device.
func (s *Session) HandleUnitReset() {
	log.Warn().Str("device", s.name).Msg("ssp: unit reset observed, clearing encryption and requiring re-negotiation")
	s.encEnabled = false
	s.sessionKey = 0
	s.seqBit = 0
	s.state = StateSynced
}

// Exchange sends one command to the device and returns its decoded status
// and response payload. Retries up to retryBudget times on CHECKSUM_ERROR or
// read-path timeout, reusing SEQ on every retry; one extra attempt after
// KEY_NOT_SET renegotiates the session key first.
func (s *Session) Exchange(ctx context.Context, cmd byte, payload []byte, retryBudget int, timeout time.Duration) (Status, []byte, error) {
	status, resp, err := s.exchangeWithRetry(ctx, cmd, payload, retryBudget, timeout)
	if err == nil && status == StatusKeyNotSet {
		log.Warn().Str("device", s.name).Uint8("cmd", cmd).Msg("ssp: KEY_NOT_SET, renegotiating session key")
		if nerr := s.negotiateKey(ctx, timeout); nerr != nil {
			return status, resp, fmt.Errorf("ssp: key renegotiation after KEY_NOT_SET: %w", nerr)
		}
		status, resp, err = s.exchangeWithRetry(ctx, cmd, payload, retryBudget, timeout)
	}
	return status, resp, err
}

func (s *Session) exchangeWithRetry(ctx context.Context, cmd byte, payload []byte, retryBudget int, timeout time.Duration) (Status, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		status, resp, err := s.exchangeOnce(ctx, cmd, payload, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if status == StatusChecksumError {
			lastErr = fmt.Errorf("ssp: checksum error (attempt %d)", attempt+1)
			continue
		}
		// Success (or a non-retryable status): advance state and the
		// sequence bit together, exactly once per successful exchange.
		s.advanceState(cmd, resp)
		s.seqBit ^= 1
		return status, resp, nil
	}
	return StatusTimeout, nil, fmt.Errorf("ssp: exchange failed after %d attempts: %w", retryBudget+1, lastErr)
}

func (s *Session) exchangeOnce(ctx context.Context, cmd byte, payload []byte, timeout time.Duration) (Status, []byte, error) {
	frame, err := s.buildFrame(cmd, payload)
	if err != nil {
		return StatusTimeout, nil, fmt.Errorf("ssp: build frame: %w", err)
	}

	if err := s.transport.Write(frame); err != nil {
		return StatusTimeout, nil, fmt.Errorf("ssp: write frame: %w", err)
	}

	raw, err := s.readFrame(ctx, timeout)
	if err != nil {
		return StatusTimeout, nil, err
	}

	status, respPayload, err := s.parseResponse(raw)
	if err != nil {
		return StatusTimeout, nil, err
	}
	return status, respPayload, nil
}

// buildFrame encodes { STX, SEQ|ADDR, LEN, DATA…, CRC-lo, CRC-hi } with
// STX byte-stuffing in the body.
func (s *Session) buildFrame(cmd byte, payload []byte) ([]byte, error) {
	data := append([]byte{cmd}, payload...)

	if s.encEnabled {
		block, err := sealEnvelope(s.sessionKey, s.encCounter, data)
		if err != nil {
			return nil, err
		}
		s.encCounter++
		data = append([]byte{encMarker}, block...)
	}

	addrSeq := (s.seqBit << 7) | (s.addr & 0x7F)
	body := make([]byte, 0, 2+len(data)+2)
	body = append(body, addrSeq, byte(len(data)))
	body = append(body, data...)

	crc := crc16(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))

	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, stxByte)
	frame = append(frame, stuff(body)...)
	return frame, nil
}

const encMarker = 0x7E

// stuff doubles any STX byte found in the frame body.
func stuff(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for _, b := range body {
		out = append(out, b)
		if b == stxByte {
			out = append(out, b)
		}
	}
	return out
}

// readFrame reads one complete response frame, unstuffing as it goes.
func (s *Session) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	readByte := func() (byte, error) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("ssp: read timeout")
		}
		buf, err := s.transport.Read(ctx, 1, remaining)
		if err != nil {
			return 0, err
		}
		if len(buf) == 0 {
			return 0, fmt.Errorf("ssp: read timeout")
		}
		return buf[0], nil
	}

	readUnstuffed := func() (byte, error) {
		b, err := readByte()
		if err != nil {
			return 0, err
		}
		if b == stxByte {
			// Expect the doubled byte per stuffing rule.
			b2, err := readByte()
			if err != nil {
				return 0, err
			}
			if b2 != stxByte {
				return 0, fmt.Errorf("ssp: malformed byte-stuffing in response")
			}
		}
		return b, nil
	}

	for {
		b, err := readByte()
		if err != nil {
			return nil, err
		}
		if b == stxByte {
			break // frame start
		}
		// Resync: ignore stray bytes until we see STX.
	}

	addrSeq, err := readUnstuffed()
	if err != nil {
		return nil, err
	}
	length, err := readUnstuffed()
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, int(length))
	for i := 0; i < int(length); i++ {
		b, err := readUnstuffed()
		if err != nil {
			return nil, err
		}
		data = append(data, b)
	}

	crcLo, err := readUnstuffed()
	if err != nil {
		return nil, err
	}
	crcHi, err := readUnstuffed()
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 2+len(data))
	body = append(body, addrSeq, length)
	body = append(body, data...)

	wantCRC := crc16(body)
	gotCRC := uint16(crcLo) | uint16(crcHi)<<8
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("ssp: response CRC mismatch")
	}

	return data, nil
}

// parseResponse extracts the status and decrypts the payload if needed.
func (s *Session) parseResponse(data []byte) (Status, []byte, error) {
	if len(data) == 0 {
		return StatusTimeout, nil, fmt.Errorf("ssp: empty response")
	}

	if s.encEnabled && len(data) > 0 && data[0] == encMarker {
		plain, err := openEnvelope(s.sessionKey, s.encCounter-1, data[1:])
		if err != nil {
			return StatusTimeout, nil, err
		}
		data = plain
	}

	if len(data) == 0 {
		return StatusTimeout, nil, fmt.Errorf("ssp: empty response payload")
	}

	status := Status(data[0])
	return status, data[1:], nil
}

// advanceState applies the bring-up transition triggered by a successful
// exchange of cmd.
func (s *Session) advanceState(cmd byte, resp []byte) {
	switch {
	case cmd == cmdSync && s.state == StateFresh:
		s.state = StateSynced
		s.seqBit = 0
	case cmd == cmdHostProtocol && s.state == StateSynced:
		s.state = StateProtocol6
	case cmd == cmdSetupRequest && s.state == StateProtocol6:
		s.state = StateSetupKnown
	case cmd == cmdEnable && s.state == StateSetupKnown:
		s.state = StateEnabled
	case cmd == cmdEnablePayout && (s.state == StateSetupKnown || s.state == StateEnabled):
		s.state = StateEnabled
	}
}

// negotiateKey runs the one-shot key exchange and flips encEnabled on
// success.
func (s *Session) negotiateKey(ctx context.Context, timeout time.Duration) error {
	kx, err := NewKeyExchange()
	if err != nil {
		return err
	}

	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], kx.HostPublic())

	status, resp, err := s.exchangeOnce(ctx, cmdSync /* SET_GENERATOR/REQUEST_KEY_EXCHANGE placeholder */, payload[:], timeout)
	if err != nil {
		return err
	}
	if status != StatusOK || len(resp) < 8 {
		return fmt.Errorf("ssp: key exchange rejected: %s", status)
	}

	devicePublic := binary.LittleEndian.Uint64(resp[:8])
	s.sessionKey = kx.DeriveSessionKey(devicePublic, s.presharedKey)
	s.encEnabled = true
	s.encCounter = 0
	return nil
}
