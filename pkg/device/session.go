package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/metacash/payoutd/pkg/ssp"
)

// Session is one peripheral's Device Session: the SSP
// framing session plus the channel-inhibit bitmap and setup snapshot the
// request handler needs. The event loop is its only caller; its state is
// guarded by a mutex so reads from other goroutines are also safe.
type Session struct {
	mu sync.RWMutex

	kind  Kind
	frame *ssp.Session

	available bool
	channels  ChannelTable
	inhibits  InhibitBitmap
	setup     *ssp.Setup
}

// New wraps an already-built SSP framing session as a Device Session.
func New(kind Kind, frame *ssp.Session) *Session {
	return &Session{kind: kind, frame: frame}
}

// Kind reports which peripheral this session drives.
func (s *Session) Kind() Kind { return s.kind }

// Available reports whether the hardware link is currently usable. The
// request handler consults this before dispatching any command.
func (s *Session) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// SetAvailable flips the availability flag, logging the transition.
func (s *Session) SetAvailable(ok bool) {
	s.mu.Lock()
	wasAvailable := s.available
	s.available = ok
	s.mu.Unlock()
	if wasAvailable != ok {
		log.Info().Str("device", string(s.kind)).Bool("available", ok).Msg("device: availability changed")
	}
}

// Bringup runs SYNC -> HOST_PROTOCOL(6) -> SETUP_REQUEST -> ENABLE (and, for
// the validator, ENABLE_PAYOUT), caching the channel table on success. This
// is the startup sequence.
func (s *Session) Bringup(ctx context.Context) error {
	if err := ssp.Sync(ctx, s.frame); err != nil {
		return fmt.Errorf("device: sync: %w", err)
	}
	return s.bringupFromProtocol(ctx)
}

// HandleUnitReset clears session/encryption state after a RESET poll event
// and re-establishes the session. Unlike the initial Bringup, recovery from
// a reset must not re-issue SYNC: the device is already synced, and the
// very next command it expects is HOST_PROTOCOL.
func (s *Session) HandleUnitReset(ctx context.Context) error {
	s.frame.HandleUnitReset()
	return s.bringupFromProtocol(ctx)
}

// bringupFromProtocol runs HOST_PROTOCOL(6) -> SETUP_REQUEST -> ENABLE (and,
// for the validator, ENABLE_PAYOUT), shared by both bring-up paths.
func (s *Session) bringupFromProtocol(ctx context.Context) error {
	if err := ssp.HostProtocol(ctx, s.frame, 6); err != nil {
		return fmt.Errorf("device: host_protocol: %w", err)
	}
	setup, err := ssp.SetupRequest(ctx, s.frame)
	if err != nil {
		return fmt.Errorf("device: setup_request: %w", err)
	}

	s.mu.Lock()
	s.setup = setup
	s.channels = ChannelTable{Values: setup.ChannelValues, Currency: setup.ChannelCurrency}
	s.inhibits = InhibitBitmap{Low: 0xFF, High: 0xFF}
	s.mu.Unlock()

	if err := ssp.Enable(ctx, s.frame); err != nil {
		return fmt.Errorf("device: enable: %w", err)
	}
	if s.kind == KindValidator {
		if err := ssp.EnablePayout(ctx, s.frame); err != nil {
			return fmt.Errorf("device: enable_payout: %w", err)
		}
	}

	s.SetAvailable(true)
	return nil
}

// ChannelTable returns the cached setup-time channel snapshot.
func (s *Session) ChannelTable() ChannelTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels
}

func (s *Session) requireEnabled() error {
	if s.frame.State() != ssp.StateEnabled {
		return ErrNotEnabled
	}
	return nil
}

// EnableChannels ORs the channels named by channels (digits '1'..'8') into
// the currently allowed set. The bitmap is only committed after
// SET_INHIBITS succeeds.
func (s *Session) EnableChannels(ctx context.Context, channels string) error {
	mask := ParseChannelString(channels)

	s.mu.Lock()
	next := s.inhibits
	next.EnableChannels(mask, 0)
	wireLow, wireHigh := next.wireMasks()
	s.mu.Unlock()

	if err := ssp.SetInhibits(ctx, s.frame, wireLow, wireHigh); err != nil {
		return err
	}

	s.mu.Lock()
	s.inhibits.EnableChannels(mask, 0)
	s.mu.Unlock()
	return nil
}

// DisableChannels inhibits the channels named by channels, committing only
// on success.
func (s *Session) DisableChannels(ctx context.Context, channels string) error {
	mask := ParseChannelString(channels)

	s.mu.Lock()
	next := s.inhibits
	next.DisableChannels(mask, 0)
	wireLow, wireHigh := next.wireMasks()
	s.mu.Unlock()

	if err := ssp.SetInhibits(ctx, s.frame, wireLow, wireHigh); err != nil {
		return err
	}

	s.mu.Lock()
	s.inhibits.DisableChannels(mask, 0)
	s.mu.Unlock()
	return nil
}

// InhibitChannels overwrites the inhibit bitmap outright, starting from an
// all-enabled baseline and inhibiting exactly the named channels. Committed
// only on success.
func (s *Session) InhibitChannels(ctx context.Context, channels string) error {
	mask := ParseChannelString(channels)

	var next InhibitBitmap
	next.InhibitChannels(mask, 0)
	wireLow, wireHigh := next.wireMasks()

	if err := ssp.SetInhibits(ctx, s.frame, wireLow, wireHigh); err != nil {
		return err
	}

	s.mu.Lock()
	s.inhibits = next
	s.mu.Unlock()
	return nil
}

// Payout requests the unit pay out amount in currency. test performs a
// dry-run check without dispensing.
func (s *Session) Payout(ctx context.Context, amount uint32, currency string, test bool) (*ssp.PayoutResult, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	return ssp.Payout(ctx, s.frame, amount, currency, test)
}

// Float requests the unit distribute value down to its float target.
func (s *Session) Float(ctx context.Context, amount uint32, currency string, test bool) (*ssp.PayoutResult, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	return ssp.Float(ctx, s.frame, amount, currency, test)
}

// Empty requests the unit empty its full store to the cashbox.
func (s *Session) Empty(ctx context.Context) error {
	return ssp.Empty(ctx, s.frame)
}

// SmartEmpty empties while preserving per-denomination counts.
func (s *Session) SmartEmpty(ctx context.Context) error {
	return ssp.SmartEmpty(ctx, s.frame)
}

// Frame exposes the underlying SSP session for commands that don't need
// Device Session bookkeeping (poll, get_all_levels, firmware/dataset
// version, last_reject_note, configure_bezel, channel_security).
func (s *Session) Frame() *ssp.Session { return s.frame }
