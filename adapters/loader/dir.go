package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/ports"
)

// ManifestName is the manifest file inside a module directory.
const ManifestName = "module.yaml"

// ManifestSuffix marks single-file manifests placed directly in the modules directory.
const ManifestSuffix = ".module.yaml"

// IsManifest reports whether a file name is a manifest.
func IsManifest(name string) bool {
	return name == ManifestName || strings.HasSuffix(name, ManifestSuffix)
}

// Dir loads manifests from a modules directory. Locations are manifest paths,
// absolute or relative to the directory.
type Dir struct {
	root       string
	activators *Activators
	digest     ports.Digester
}

// NewDir creates a loader rooted at root.
func NewDir(root string, acts *Activators, digest ports.Digester) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("modules dir %s: %w", root, err)
	}
	return &Dir{root: abs, activators: acts, digest: digest}, nil
}

// Root returns the absolute modules directory.
func (d *Dir) Root() string { return d.root }

// Resolve returns the absolute manifest path for a location.
func (d *Dir) Resolve(location string) string {
	if filepath.IsAbs(location) {
		return filepath.Clean(location)
	}
	return filepath.Join(d.root, location)
}

// Load implements module.Loader.
func (d *Dir) Load(ctx context.Context, location string) (*module.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.Resolve(location)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m.Artifact(d.activators, path, d.digest.Sum(data))
}

// Digest returns the current digest of the manifest at location.
func (d *Dir) Digest(location string) (string, error) {
	data, err := os.ReadFile(d.Resolve(location))
	if err != nil {
		return "", err
	}
	return d.digest.Sum(data), nil
}

// Scan returns the manifest paths under the modules directory, sorted. Module
// directories hold a module.yaml; single-file manifests end in .module.yaml.
func (d *Dir) Scan() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != d.root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsManifest(entry.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.root, err)
	}
	slices.Sort(paths)
	return paths, nil
}

var _ module.Loader = (*Dir)(nil)
