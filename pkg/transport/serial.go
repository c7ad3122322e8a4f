// Package transport opens and validates the serial line used to reach the
// coin hopper and banknote validator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// Sentinel errors for the startup device checks performed before the
// daemon will even attempt to open the serial line.
var (
	ErrDeviceNotFound     = errors.New("transport: device not found")
	ErrNotACharacterDevice = errors.New("transport: not a character device")
	ErrOpenFailed         = errors.New("transport: open failed")
)

// Port is a validated, opened serial connection to the device bus.
type Port struct {
	port serial.Port
	path string
	mu   sync.Mutex
}

// Open validates portPath is an existing character device, then opens it at
// 9600 8N1 — the fixed line parameters the coin hopper and banknote
// validator both expect.
func Open(portPath string) (*Port, error) {
	info, err := os.Stat(portPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, portPath)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, portPath, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotACharacterDevice, portPath)
	}

	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	sp, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, portPath, err)
	}

	log.Info().Str("port", portPath).Msg("transport: serial port opened")
	return &Port{port: sp, path: portPath}, nil
}

// Write blocks until every byte of data has been handed to the driver.
func (p *Port) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.port.Write(data)
	if err != nil {
		return fmt.Errorf("transport: write %s: %w", p.path, err)
	}
	return nil
}

// Read returns up to max bytes, blocking no longer than timeout (or until
// ctx is cancelled). A zero-length, nil-error result means the timeout
// elapsed without any bytes arriving.
func (p *Port) Read(ctx context.Context, max int, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	err := p.port.SetReadTimeout(timeout)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transport: set read timeout: %w", err)
	}

	buf := make([]byte, max)
	p.mu.Lock()
	n, err := p.port.Read(buf)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transport: read %s: %w", p.path, err)
	}
	return buf[:n], nil
}

// Close releases the underlying serial handle.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}
