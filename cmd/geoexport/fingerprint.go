package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
)

// newFingerprintCmd prints the canonical form and digest of a request so
// operators can find its cache entry and artifact.
func newFingerprintCmd() *cobra.Command {
	var (
		req       domain.ExportRequest
		mode      string
		proj      string
		layers    []string
		maxRadius float64
	)

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of an export request",
		Example: `  geoexport fingerprint --lat -22.15018 --lon -42.92189 --radius 500 \
    --mode circle --projection local --layers roads,buildings`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Mode = domain.ExportMode(mode)
			req.Projection = domain.Projection(proj)
			for _, l := range layers {
				req.Layers = append(req.Layers, domain.Layer(l))
			}

			normalized, fp, err := export.Prepare(req, export.Limits{MaxRadius: maxRadius})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "canonical:   %s\n", export.Canonical(normalized))
			fmt.Fprintf(out, "fingerprint: %s\n", fp)
			return nil
		},
	}

	cmd.Flags().Float64Var(&req.Lat, "lat", 0, "Latitude of the center point")
	cmd.Flags().Float64Var(&req.Lon, "lon", 0, "Longitude of the center point")
	cmd.Flags().Float64Var(&req.Radius, "radius", 0, "Radius in meters")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeCircle), "Extent shape (circle, square)")
	cmd.Flags().StringVar(&proj, "projection", string(domain.ProjectionLocal), "Projection (local, utm)")
	cmd.Flags().StringSliceVar(&layers, "layers", nil, "Comma-separated layers; empty means all")
	cmd.Flags().Float64Var(&maxRadius, "max-radius", domain.DefaultMaxRadius, "Largest accepted radius in meters")
	_ = cmd.MarkFlagRequired("radius")
	return cmd
}
