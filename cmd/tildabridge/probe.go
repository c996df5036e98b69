package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/probe"
)

// planFlags are the operator-editable parts of a probe plan.
type planFlags struct {
	device  string
	target  int
	noPower bool
	noLoad  bool
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.device, "device", "d", "", "probe GDB serial port (overrides probe.device)")
	cmd.Flags().IntVarP(&f.target, "target", "t", 0, "1-based target index (overrides probe.target)")
	cmd.Flags().BoolVar(&f.noPower, "no-power", false, "do not power the target from the probe")
	cmd.Flags().BoolVar(&f.noLoad, "no-load", false, "attach without programming the image")
}

func (f *planFlags) plan(a *app) (probe.Plan, error) {
	plan := a.cfg.Plan()
	if f.device != "" {
		plan.Device = f.device
	}
	if f.target != 0 {
		plan.Target = f.target
	}
	if f.noPower {
		plan.PowerSense = false
	}
	if f.noLoad {
		plan.Load = false
	}
	return plan, plan.Validate()
}

func attachCmd(a *app) *cobra.Command {
	var (
		flags   planFlags
		elf     string
		console bool
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to the target through the probe, load the image and halt after one step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := flags.plan(a)
			if err != nil {
				return err
			}
			if elf == "" {
				elf = a.cfg.Probe.ELF
			}
			if elf == "" {
				return fmt.Errorf("no firmware image: pass --elf or set probe.elf: %w", pkg.ErrImage)
			}
			img, err := probe.LoadImage(elf)
			if err != nil {
				return err
			}

			// ^C aborts the attach sequence; the console installs its own
			// handling while the target runs.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			s, err := probe.Attach(ctx, plan, img, probe.DialSerial)
			stop()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSession(out, s)
			if !console {
				return s.Close()
			}
			if err := s.Console(cmd.Context(), cmd.InOrStdin(), out); err != nil {
				s.Close()
				return err
			}
			if err := s.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				return err
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&elf, "elf", "e", "", "firmware image (overrides probe.elf)")
	cmd.Flags().BoolVar(&console, "console", false, "open the operator console after the attach sequence")
	return cmd
}

func printSession(w io.Writer, s *probe.Session) {
	for _, t := range s.Targets() {
		mark := " "
		if t.Index == s.Plan().Target {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %d %s\n", mark, t.Index, t.Driver)
	}
	for _, b := range s.Breakpoints() {
		fmt.Fprintf(w, "breakpoint %s at 0x%08x\n", b.Symbol, b.Addr)
	}
	for _, p := range s.Pending() {
		fmt.Fprintf(w, "breakpoint %s pending: symbol not in image\n", p)
	}
	fmt.Fprintf(w, "%s after %d step\n", s.LastStop(), s.Steps())
}

func scriptCmd(a *app) *cobra.Command {
	var (
		flags  planFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Print the attach sequence as a GDB command file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := flags.plan(a)
			if err != nil {
				return err
			}
			script, err := probe.Script(plan)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), script)
				return err
			}
			return os.WriteFile(output, []byte(script), 0o644)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the script to a file")
	return cmd
}
