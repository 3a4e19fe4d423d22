package domain

import (
	"slices"
	"strings"
)

// ExportMode selects the shape of the exported extent.
type ExportMode string

const (
	// ModeCircle exports everything within Radius of the center point.
	ModeCircle ExportMode = "circle"
	// ModeSquare exports the axis-aligned square circumscribing the circle.
	ModeSquare ExportMode = "square"
)

// Projection selects the coordinate system of the generated drawing.
type Projection string

const (
	// ProjectionLocal is a planar system with its origin at the center point.
	ProjectionLocal Projection = "local"
	// ProjectionUTM uses the UTM zone containing the center point.
	ProjectionUTM Projection = "utm"
)

// Layer is a feature category the engine can draw.
type Layer string

const (
	LayerBuildings  Layer = "buildings"
	LayerRoads      Layer = "roads"
	LayerWater      Layer = "water"
	LayerRailways   Layer = "railways"
	LayerVegetation Layer = "vegetation"
	LayerContours   Layer = "contours"
	LayerTerrain    Layer = "terrain"
)

// AllLayers lists every layer in canonical order.
var AllLayers = []Layer{
	LayerBuildings,
	LayerRoads,
	LayerWater,
	LayerRailways,
	LayerVegetation,
	LayerContours,
	LayerTerrain,
}

// DefaultMaxRadius bounds the cost of a single export, in meters.
const DefaultMaxRadius = 5000.0

// ExportRequest is the immutable set of parameters for one export.
type ExportRequest struct {
	Lat        float64    `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon        float64    `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
	Radius     float64    `json:"radius" yaml:"radius" validate:"gt=0"`
	Mode       ExportMode `json:"mode" yaml:"mode" validate:"required,oneof=circle square"`
	Projection Projection `json:"projection" yaml:"projection" validate:"required,oneof=local utm"`
	Layers     []Layer    `json:"layers,omitempty" yaml:"layers,omitempty" validate:"omitempty,dive,oneof=buildings roads water railways vegetation contours terrain"`
}

// Normalized returns a copy with trimmed, lower-cased enums and a sorted,
// de-duplicated layer set. The receiver is not modified.
func (r ExportRequest) Normalized() ExportRequest {
	out := r
	out.Mode = ExportMode(strings.ToLower(strings.TrimSpace(string(r.Mode))))
	out.Projection = Projection(strings.ToLower(strings.TrimSpace(string(r.Projection))))

	if len(r.Layers) == 0 {
		out.Layers = nil
		return out
	}

	layers := make([]Layer, 0, len(r.Layers))
	for _, l := range r.Layers {
		layers = append(layers, Layer(strings.ToLower(strings.TrimSpace(string(l)))))
	}
	slices.Sort(layers)
	out.Layers = slices.Compact(layers)
	return out
}

// LayerNames returns the layers as plain strings.
func (r ExportRequest) LayerNames() []string {
	names := make([]string, len(r.Layers))
	for i, l := range r.Layers {
		names[i] = string(l)
	}
	return names
}
