package subaru

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRecipeFull(t *testing.T) {
	path := writeTempRecipe(t, `
name: desktop
version: "2.1"
size_mb: 16384
seed: /srv/seeds/base.tar.zst
packages:
  - linux
  - mesa
  - sway
compression: xz
esp_size_mb: 512
upload:
  enabled: true
  prefix: nightly
`)
	r, err := LoadRecipe(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "desktop" || r.Version != "2.1" {
		t.Errorf("identity = %s/%s", r.Name, r.Version)
	}
	if r.SizeMB != 16384 || r.ESPSizeMB != 512 {
		t.Errorf("sizes = %d/%d", r.SizeMB, r.ESPSizeMB)
	}
	if len(r.Packages) != 3 || r.Packages[2] != "sway" {
		t.Errorf("packages = %v", r.Packages)
	}
	if r.Compression != "xz" {
		t.Errorf("compression = %s", r.Compression)
	}
	if !r.Upload.Enabled || r.Upload.Prefix != "nightly" {
		t.Errorf("upload = %+v", r.Upload)
	}
}

func TestLoadRecipeDefaults(t *testing.T) {
	r, err := LoadRecipe(writeTempRecipe(t, "name: minimal\nseed: /srv/seed.tar.gz\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.SizeMB != 8192 {
		t.Errorf("size default = %d", r.SizeMB)
	}
	if r.ESPSizeMB != 256 {
		t.Errorf("esp default = %d", r.ESPSizeMB)
	}
	if r.Version != "rolling" {
		t.Errorf("version default = %s", r.Version)
	}
	if r.Compression != "zstd" {
		t.Errorf("compression default = %s", r.Compression)
	}
}

func TestLoadRecipeValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", "seed: /s.tar.gz\n", "name is required"},
		{"missing seed", "name: x\n", "seed rootfs archive is required"},
		{"bad compression", "name: x\nseed: /s.tar.gz\ncompression: lz4\n", "unknown compression"},
		{"bad yaml", "name: [\n", "parsing recipe"},
	}
	for _, tc := range cases {
		_, err := LoadRecipe(writeTempRecipe(t, tc.content))
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: err = %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestLoadRecipeNotFound(t *testing.T) {
	_, err := LoadRecipe(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, errRecipeNotFound) {
		t.Errorf("err = %v, want errRecipeNotFound", err)
	}
}

func TestArtifactName(t *testing.T) {
	r := &Recipe{Name: "Desktop", Version: "2.1"}
	want := "desktop-2.1-" + arch + ".img"
	if got := r.ArtifactName(); got != want {
		t.Errorf("ArtifactName = %s, want %s", got, want)
	}
}
