package ssp

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a minimal in-memory stand-in for a serial line: each
// Write pops the next queued canned response into the read buffer, and
// Read drains that buffer one chunk at a time exactly like a real port.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	queue   [][]byte
	pending []byte
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	if len(f.queue) > 0 {
		f.pending = append(f.pending, f.queue[0]...)
		f.queue = f.queue[1:]
	}
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, context.DeadlineExceeded
	}
	n := max
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

// buildRawFrame wraps data (status byte + payload) in the same
// { STX, addr/seq, len, data, crc } shape Session.buildFrame produces, with
// a fixed addr/seq byte since readFrame never validates it.
func buildRawFrame(data []byte) []byte {
	body := append([]byte{0x00, byte(len(data))}, data...)
	crc := crc16(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))
	return append([]byte{stxByte}, stuff(body)...)
}

func TestExchange_Success(t *testing.T) {
	ft := &fakeTransport{queue: [][]byte{buildRawFrame([]byte{byte(StatusOK)})}}
	s := NewSession(ft, 0, 0, "test")

	status, _, err := s.Exchange(context.Background(), cmdSync, nil, DefaultRetryBudget, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %v, want OK", status)
	}
	if s.State() != StateSynced {
		t.Errorf("state = %v, want synced", s.State())
	}
}

func TestExchange_RetriesOnChecksumError(t *testing.T) {
	ft := &fakeTransport{queue: [][]byte{
		buildRawFrame([]byte{byte(StatusChecksumError)}),
		buildRawFrame([]byte{byte(StatusOK)}),
	}}
	s := NewSession(ft, 0, 0, "test")

	status, _, err := s.Exchange(context.Background(), cmdPoll, nil, DefaultRetryBudget, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %v, want OK", status)
	}
	if len(ft.writes) != 2 {
		t.Errorf("writes = %d, want 2 (one retry)", len(ft.writes))
	}
}

func TestExchange_GivesUpAfterRetryBudget(t *testing.T) {
	bad := buildRawFrame([]byte{byte(StatusChecksumError)})
	ft := &fakeTransport{queue: [][]byte{bad, bad, bad, bad}}
	s := NewSession(ft, 0, 0, "test")

	_, _, err := s.Exchange(context.Background(), cmdPoll, nil, 3, time.Second)
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
	if len(ft.writes) != 4 {
		t.Errorf("writes = %d, want 4 (initial + 3 retries)", len(ft.writes))
	}
}

func TestExchange_KeyNotSetTriggersRenegotiationAndRetry(t *testing.T) {
	var devicePublic [8]byte
	binary.LittleEndian.PutUint64(devicePublic[:], 99999)

	ft := &fakeTransport{queue: [][]byte{
		buildRawFrame([]byte{byte(StatusKeyNotSet)}),
		buildRawFrame(append([]byte{byte(StatusOK)}, devicePublic[:]...)),
		buildRawFrame([]byte{byte(StatusOK)}),
	}}
	s := NewSession(ft, 0, 0xABCD, "test")

	status, _, err := s.Exchange(context.Background(), cmdPoll, nil, DefaultRetryBudget, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %v, want OK", status)
	}
	if !s.EncryptionEnabled() {
		t.Error("expected encryption enabled after key renegotiation")
	}
	if len(ft.writes) != 3 {
		t.Errorf("writes = %d, want 3 (original + key exchange + retry)", len(ft.writes))
	}
}

func TestAdvanceState_FullBringupSequence(t *testing.T) {
	s := NewSession(&fakeTransport{}, 0, 0, "test")

	s.advanceState(cmdSync, nil)
	if s.State() != StateSynced {
		t.Fatalf("after sync: state = %v, want synced", s.State())
	}
	s.advanceState(cmdHostProtocol, nil)
	if s.State() != StateProtocol6 {
		t.Fatalf("after host_protocol: state = %v, want protocol6", s.State())
	}
	s.advanceState(cmdSetupRequest, nil)
	if s.State() != StateSetupKnown {
		t.Fatalf("after setup_request: state = %v, want setup-known", s.State())
	}
	s.advanceState(cmdEnable, nil)
	if s.State() != StateEnabled {
		t.Fatalf("after enable: state = %v, want enabled", s.State())
	}
}

func TestAdvanceState_OutOfOrderCommandIsNoOp(t *testing.T) {
	s := NewSession(&fakeTransport{}, 0, 0, "test")
	s.advanceState(cmdEnable, nil) // skip straight to enable from Fresh
	if s.State() != StateFresh {
		t.Errorf("state = %v, want fresh (enable from fresh should not transition)", s.State())
	}
}

func TestHandleUnitReset_ClearsEncryptionAndSeq(t *testing.T) {
	s := NewSession(&fakeTransport{}, 0, 0, "test")
	s.encEnabled = true
	s.sessionKey = 123
	s.seqBit = 1
	s.state = StateEnabled

	s.HandleUnitReset()

	if s.EncryptionEnabled() {
		t.Error("expected encryption disabled after unit reset")
	}
	if s.seqBit != 0 {
		t.Errorf("seqBit = %d, want 0", s.seqBit)
	}
	if s.State() != StateSynced {
		t.Errorf("state = %v, want synced", s.State())
	}
}
