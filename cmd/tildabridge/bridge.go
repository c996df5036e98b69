package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/tildabridge/bridge"
	"github.com/ardnew/tildabridge/device/hal/fifo"
	"github.com/ardnew/tildabridge/pins"
	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/uart"
)

func bridgeCmd(a *app) *cobra.Command {
	var (
		uartDevice string
		bus        string
		baud       int
	)
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the USB bridge on the fifo bus until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if uartDevice != "" {
				cfg.UART.Device = uartDevice
			}
			if bus != "" {
				cfg.USB.Bus = bus
			}
			if baud != 0 {
				cfg.UART.Baud = baud
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := cfg.Identity()
			if err != nil {
				return err
			}
			dev, fns, err := bridge.BuildDevice(ctx, id)
			if err != nil {
				return err
			}

			var p bridge.Pins
			if p.EN, err = pins.Resolve(cfg.Pins.EN); err != nil {
				return err
			}
			if p.GPIO0, err = pins.Resolve(cfg.Pins.GPIO0); err != nil {
				return err
			}
			if p.LED, err = pins.Resolve(cfg.Pins.LED); err != nil {
				return err
			}

			port, err := uart.Open(cfg.UART.Device, cfg.Rate())
			if err != nil {
				return fmt.Errorf("uart: %w", err)
			}

			usb := fifo.New(cfg.USB.Bus)
			b := bridge.New(dev, fns, usb, port, p)
			pkg.LogInfo(pkg.ComponentCLI, "bridge starting",
				"bus", cfg.USB.Bus,
				"uart", cfg.UART.Device,
				"baud", cfg.UART.Baud,
				"serial", id.Serial)

			err = b.Run(ctx)
			stats := b.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "to uart %d bytes, from uart %d bytes, dropped %d\n",
				stats.ToUART, stats.FromUART, stats.Dropped)
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&uartDevice, "uart", "", "UART device (overrides uart.device)")
	cmd.Flags().StringVar(&bus, "bus", "", "fifo bus directory (overrides usb.bus)")
	cmd.Flags().IntVar(&baud, "baud", 0, "UART line rate (overrides uart.baud)")
	return cmd
}

var _ bridge.Breaker = (*uart.Port)(nil)
