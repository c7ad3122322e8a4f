package device

import "errors"

var (
	// ErrNotAvailable indicates the hardware link to this unit is down; the
	// request handler rejects commands for it rather than blocking.
	ErrNotAvailable = errors.New("device: hardware not available")

	// ErrNotEnabled indicates a payout/float was requested before the unit
	// reached the Enabled session state.
	ErrNotEnabled = errors.New("device: unit not enabled")

	// ErrUnknownChannel indicates a channel index outside the cached
	// channel table from SETUP_REQUEST.
	ErrUnknownChannel = errors.New("device: unknown channel")
)
