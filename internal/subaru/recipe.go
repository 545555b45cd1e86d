package subaru

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recipe is the operator-facing description of one image: what goes in and
// what the artifact should look like. Package selection and desktop choices
// live entirely here, never in the build core.
type Recipe struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	SizeMB      int64    `yaml:"size_mb"`
	Seed        string   `yaml:"seed"` // seed rootfs tarball (.tar.gz/.tar.xz/.tar.zst)
	Packages    []string `yaml:"packages"`
	Compression string   `yaml:"compression"` // none, gzip, xz or zstd

	ESPSizeMB int64 `yaml:"esp_size_mb"`

	Upload struct {
		Enabled bool   `yaml:"enabled"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"upload"`
}

// LoadRecipe reads and validates a recipe file, applying defaults.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errRecipeNotFound, path)
		}
		return nil, err
	}

	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe %s: %w", path, err)
	}

	if r.Name == "" {
		return nil, fmt.Errorf("recipe %s: name is required", path)
	}
	if r.Seed == "" {
		return nil, fmt.Errorf("recipe %s: seed rootfs archive is required", path)
	}
	if r.SizeMB <= 0 {
		r.SizeMB = 8192
	}
	if r.ESPSizeMB <= 0 {
		r.ESPSizeMB = 256
	}
	if r.Version == "" {
		r.Version = "rolling"
	}
	switch r.Compression {
	case "", "none", "gzip", "xz", "zstd":
	default:
		return nil, fmt.Errorf("recipe %s: unknown compression %q", path, r.Compression)
	}
	if r.Compression == "" {
		r.Compression = "zstd"
	}
	return &r, nil
}

// ArtifactName is the final image filename, before any compression suffix.
func (r *Recipe) ArtifactName() string {
	return fmt.Sprintf("%s-%s-%s.img", strings.ToLower(r.Name), r.Version, arch)
}
