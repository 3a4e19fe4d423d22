package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/geoexport/pkg/domain"
)

// Layout describes where the engine entry point lives per deployment.
type Layout struct {
	ProductionRoot  string   `yaml:"production_root" json:"production_root"`
	DevelopmentRoot string   `yaml:"development_root" json:"development_root"`
	Entry           string   `yaml:"entry" json:"entry"`
	Interpreter     []string `yaml:"interpreter" json:"interpreter"`
}

// ResolveEntryPoint returns the engine path for mode. It touches no
// filesystem state: roots must be absolute and the cleaned result must stay
// inside its root.
func ResolveEntryPoint(mode domain.Deployment, layout Layout) (string, error) {
	var root string
	switch mode {
	case domain.DeploymentProduction:
		root = layout.ProductionRoot
	case domain.DeploymentDevelopment:
		root = layout.DevelopmentRoot
	default:
		return "", configError(fmt.Sprintf("unknown deployment mode %q", mode))
	}

	if root == "" {
		return "", configError(fmt.Sprintf("engine root for %s is not configured", mode))
	}
	if !filepath.IsAbs(root) {
		return "", configError(fmt.Sprintf("engine root %q must be absolute", root))
	}
	if layout.Entry == "" {
		return "", configError("engine entry is not configured")
	}
	if filepath.IsAbs(layout.Entry) {
		return "", configError(fmt.Sprintf("engine entry %q must be relative to its root", layout.Entry))
	}

	root = filepath.Clean(root)
	path := filepath.Join(root, layout.Entry)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", configError(fmt.Sprintf("engine entry %q escapes root %q", layout.Entry, root))
	}
	return path, nil
}

// VerifyEntryPoint checks that path exists and is a regular file.
func VerifyEntryPoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewErrorWithCause(domain.KindConfiguration, "engine entry point is missing", err).
			WithContext("path", path)
	}
	if !info.Mode().IsRegular() {
		return domain.NewError(domain.KindConfiguration, "engine entry point is not a regular file").
			WithContext("path", path)
	}
	return nil
}

func configError(msg string) error {
	return domain.NewError(domain.KindConfiguration, msg)
}
