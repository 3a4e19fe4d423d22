package executor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
)

// BuildArgs turns a request into the engine argument vector. The request is
// validated again here; nothing reaches the engine that admission would
// have rejected. Arguments are passed to exec directly, never to a shell.
func BuildArgs(req domain.ExportRequest, output string, limits export.Limits) ([]string, error) {
	req = req.Normalized()
	if err := export.Validate(req, limits); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(output) || strings.HasPrefix(filepath.Base(output), "-") {
		return nil, domain.NewError(domain.KindConfiguration, fmt.Sprintf("invalid output path %q", output))
	}

	args := []string{
		"--lat", formatFloat(req.Lat),
		"--lon", formatFloat(req.Lon),
		"--radius", formatFloat(req.Radius),
		"--mode", string(req.Mode),
		"--projection", string(req.Projection),
	}
	if len(req.Layers) > 0 {
		args = append(args, "--layers", strings.Join(req.LayerNames(), ","))
	}
	args = append(args, "--output", filepath.Clean(output))
	return args, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
