package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/module"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description of a module.
//
//	name: orders
//	version: 1.4.0
//	activator: orders
//	requires:
//	  - type: Database
//	    filter: env == "prod"
//	provides: [OrderService]
//	settings:
//	  batch_size: 50
type Manifest struct {
	Name      string               `yaml:"name"`
	Version   string               `yaml:"version"`
	Activator string               `yaml:"activator"`
	Requires  []module.Requirement `yaml:"requires"`
	Provides  []string             `yaml:"provides"`
	Settings  map[string]any       `yaml:"settings"`
}

// ParseManifest decodes a manifest. Unknown fields are rejected. Failures match
// module.ErrArtifactInvalid.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty manifest", module.ErrArtifactInvalid)
		}
		return nil, fmt.Errorf("%w: parse yaml: %v", module.ErrArtifactInvalid, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", module.ErrArtifactInvalid)
	}
	if strings.TrimSpace(m.Activator) == "" {
		return nil, fmt.Errorf("%w: %s: activator is required", module.ErrArtifactInvalid, m.Name)
	}
	return &m, nil
}

// Artifact builds the artifact for m, creating its activator from acts.
func (m *Manifest) Artifact(acts *Activators, location, digest string) (*module.Artifact, error) {
	act, ok := acts.New(m.Activator)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown activator %q", module.ErrArtifactInvalid, m.Name, m.Activator)
	}
	provides := make([]capability.Type, len(m.Provides))
	for i, p := range m.Provides {
		provides[i] = capability.Type(p)
	}
	return &module.Artifact{
		Name:         m.Name,
		Version:      m.Version,
		Location:     location,
		Digest:       digest,
		Requirements: m.Requires,
		Provides:     provides,
		Settings:     m.Settings,
		Activator:    act,
	}, nil
}
