// Command payoutd bridges a JSON pub/sub bus to a coin hopper and a
// banknote validator/payout unit over a shared multidrop serial line,
// speaking the vendor SSP protocol.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/metacash/payoutd/pkg/bus"
	"github.com/metacash/payoutd/pkg/daemon"
	"github.com/metacash/payoutd/pkg/device"
	"github.com/metacash/payoutd/pkg/handler"
	"github.com/metacash/payoutd/pkg/ssp"
	"github.com/metacash/payoutd/pkg/transport"
	"github.com/metacash/payoutd/pkg/validation"
)

// SSP addresses of the two peripherals sharing the multidrop serial line.
// Fixed per deployment: the CLI surface configures the bus endpoint and the
// serial device, not per-unit addressing on that line.
const (
	hopperAddr    = 0
	validatorAddr = 1
)

const allChannels = "12345678"

// Denomination->route table applied to the validator once it comes up.
var validatorRoutes = []struct {
	amount uint32
	route  byte
}{
	{500, ssp.RouteCashbox},
	{1000, ssp.RouteCashbox},
	{2000, ssp.RouteCashbox},
	{5000, ssp.RouteStorage},
	{10000, ssp.RouteStorage},
	{20000, ssp.RouteStorage},
	{50000, ssp.RouteStorage},
}

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	busHost := flag.String("h", "127.0.0.1", "bus hostname")
	busPort := flag.Int("p", 6379, "bus port")
	devicePath := flag.String("d", "/dev/ttyACM0", "serial device shared by the hopper and validator")
	permitCoins := flag.Bool("c", false, "permit coin acceptance during setup (default: coins inhibited)")
	extraLog := flag.Bool("e", false, "also log at debug level to stderr")
	flag.Parse()

	if *extraLog {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	port, err := transport.Open(*devicePath)
	if err != nil {
		log.Error().Err(err).Str("device", *devicePath).Msg("failed to open serial device")
		return 1
	}
	defer port.Close()

	messageBus := bus.New()

	hopperFrame := ssp.NewSession(port, hopperAddr, 0, "hopper")
	validatorFrame := ssp.NewSession(port, validatorAddr, 0, "validator")

	hopper := device.New(device.KindHopper, hopperFrame)
	note := device.New(device.KindValidator, validatorFrame)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bringUpHopper(ctx, hopper, *permitCoins); err != nil {
		log.Warn().Err(err).Msg("hopper bring-up failed, starting unavailable")
	}
	if err := bringUpValidator(ctx, note); err != nil {
		log.Warn().Err(err).Msg("validator bring-up failed, starting unavailable")
	}

	h := &handler.Handler{
		Bus:       messageBus,
		Validator: validation.NewValidator(),
		Quit:      make(chan struct{}),
		Hopper:    hopper,
		Note:      note,
	}

	d := &daemon.Daemon{
		Bus:     messageBus,
		Handler: h,
		Hopper:  hopper,
		Note:    note,
	}

	log.Info().Str("bus_host", *busHost).Int("bus_port", *busPort).Str("device", *devicePath).Msg("payoutd starting")
	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Msg("payoutd exited with error")
		return 1
	}
	return 0
}

// bringUpHopper runs the standard bring-up, then enables every channel in
// the setup table iff coins are permitted, otherwise disables all of them.
func bringUpHopper(ctx context.Context, hopper *device.Session, permitCoins bool) error {
	if err := hopper.Bringup(ctx); err != nil {
		return err
	}
	if permitCoins {
		return hopper.EnableChannels(ctx, allChannels)
	}
	return hopper.DisableChannels(ctx, allChannels)
}

// bringUpValidator runs the standard bring-up, then applies the
// denomination->route table and the one-shot refill-mode command.
func bringUpValidator(ctx context.Context, note *device.Session) error {
	if err := note.Bringup(ctx); err != nil {
		return err
	}
	for _, r := range validatorRoutes {
		if err := ssp.SetRoute(ctx, note.Frame(), r.amount, ssp.Currency, r.route); err != nil {
			return err
		}
	}
	if err := ssp.SetRefillMode(ctx, note.Frame(), 0); err != nil {
		log.Warn().Err(err).Msg("set_refill_mode failed, continuing")
	}
	return nil
}
