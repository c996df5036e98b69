package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ardnew/tildabridge/manifest"
)

const defaultManifest = "Cargo.toml"

func manifestArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return defaultManifest
}

func manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the firmware build manifest",
	}
	cmd.AddCommand(manifestCheckCmd(), manifestShowCmd())
	return cmd
}

func manifestCheckCmd() *cobra.Command {
	var src string
	cmd := &cobra.Command{
		Use:   "check [Cargo.toml]",
		Short: "Verify the release profile and the dependency set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestArg(args))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			violations := manifest.Check(m)
			for _, v := range violations {
				fmt.Fprintf(out, "FAIL %s\n", v)
			}
			if src != "" {
				data, err := os.ReadFile(src)
				if err != nil {
					return err
				}
				name, err := m.ActivePanic(string(data))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "panic strategy %s\n", name)
			}
			if err := manifest.Join(violations); err != nil {
				return fmt.Errorf("%s: %d violations: %w", m.Package.Name, len(violations), err)
			}
			fmt.Fprintf(out, "ok %s %s\n", m.Package.Name, m.Package.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "firmware crate root to check the linked panic strategy")
	return cmd
}

func manifestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [Cargo.toml]",
		Short: "Summarize the manifest by dependency role",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestArg(args))
			if err != nil {
				return err
			}
			showManifest(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func showManifest(w io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(w, "package %s %s (edition %s)\n", m.Package.Name, m.Package.Version, m.Package.Edition)
	for _, b := range m.Binaries {
		fmt.Fprintf(w, "bin     %s\n", b.Name)
	}
	roles := append(slices.Clone(manifest.RequiredRoles), manifest.RoleOther)
	for _, role := range roles {
		for _, d := range m.ByRole(role) {
			line := fmt.Sprintf("%-15s %s %s", role, d.Name, d.Version)
			if len(d.Features) > 0 {
				line += " [" + strings.Join(d.Features, ", ") + "]"
			}
			fmt.Fprintln(w, line)
		}
	}
	p := m.Release().Effective()
	fmt.Fprintf(w, "release codegen-units=%d opt-level=%s debug=%s lto=%s\n",
		p.CodegenUnits, p.OptLevel, p.Debug, p.LTO)
}
