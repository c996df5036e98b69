package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ardnew/tildabridge/config"
	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/pkg/prof"
)

// app is the state shared by every subcommand.
type app struct {
	verbose    int
	json       bool
	configPath string
	cpuProfile string
	memProfile string

	cfg     config.Config
	stopCPU func() error
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tildabridge.toml"
	}
	return filepath.Join(dir, "tildabridge", "config.toml")
}

// finish stops the CPU profile and writes the heap profile, if requested.
// It runs after every command, including failed ones, which cobra's post-run
// hooks skip.
func (a *app) finish() error {
	var errs []error
	if a.stopCPU != nil {
		errs = append(errs, a.stopCPU())
		a.stopCPU = nil
	}
	if a.memProfile != "" {
		errs = append(errs, prof.WriteHeap(a.memProfile))
	}
	return errors.Join(errs...)
}

// execute runs root and then finish.
func execute(root *cobra.Command, a *app) error {
	return errors.Join(root.Execute(), a.finish())
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "tildabridge",
		Short:         "TiLDA USB bridge, debug probe and build tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pkg.SetLogOutput(cmd.ErrOrStderr())
			pkg.SetLogLevel(pkg.VerbosityLevel(a.verbose))
			if a.json {
				pkg.SetLogFormat(pkg.LogFormatJSON)
			} else {
				pkg.SetLogFormat(pkg.LogFormatText)
			}

			path := a.configPath
			if path == "" {
				path = defaultConfigPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			a.cfg = cfg

			if a.cpuProfile != "" {
				if a.stopCPU, err = prof.StartCPU(a.cpuProfile); err != nil {
					return err
				}
			}
			pkg.LogDebug(pkg.ComponentCLI, "starting",
				"command", cmd.CommandPath(),
				"config", path)
			return nil
		},
	}

	root.PersistentFlags().CountVarP(&a.verbose, "verbose", "v", "log more (repeat for debug)")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "log in JSON")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/tildabridge/config.toml)")
	root.PersistentFlags().StringVar(&a.cpuProfile, "cpuprofile", "", "write a CPU profile to `file`")
	root.PersistentFlags().StringVar(&a.memProfile, "memprofile", "", "write a heap profile to `file` on exit")

	root.AddCommand(
		bridgeCmd(a),
		attachCmd(a),
		scriptCmd(a),
		manifestCmd(),
		descriptorsCmd(a),
		configCmd(a),
		versionCmd(),
	)
	return root, a
}
