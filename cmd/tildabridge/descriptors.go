package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/tildabridge/bridge"
	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/pkg/usbid"
)

// label formats a database name for a heading, empty when unknown.
func label(s string) string {
	if s == "" {
		return ""
	}
	return " (" + s + ")"
}

func descriptorsCmd(a *app) *cobra.Command {
	var idsPath []string
	cmd := &cobra.Command{
		Use:   "descriptors",
		Short: "Dump the descriptors the bridge presents to the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.cfg.Identity()
			if err != nil {
				return err
			}
			dev, _, err := bridge.BuildDevice(cmd.Context(), id)
			if err != nil {
				return err
			}
			defer dev.Close()

			db, err := usbid.Open(idsPath...)
			if err != nil {
				pkg.LogDebug(pkg.ComponentCLI, "no usb id database", "error", err)
			}

			descs, err := bridge.Descriptors(dev)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vendor 0x%04x%s product 0x%04x%s\n",
				id.VendorID, label(db.Vendor(id.VendorID)),
				id.ProductID, label(db.Product(id.VendorID, id.ProductID)))
			for _, d := range descs {
				fmt.Fprintf(out, "%s (%d bytes)\n%s", d.Name, len(d.Data), hex.Dump(d.Data))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&idsPath, "usb-ids", nil, "usb.ids database to name the vendor and product")
	return cmd
}
