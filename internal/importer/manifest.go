// Package importer drives one full import run: fetch the sources named
// in a manifest, parse them into observations, reconcile, persist the
// decided rows, and report conflicts.
package importer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/tariffdesk/rates-cli/internal/adapter"
)

// Source describes one feed in the manifest.
type Source struct {
	Name    string          `yaml:"name"`
	Ref     string          `yaml:"ref"`
	Format  string          `yaml:"format"` // csv, xlsx, json, document
	Mapping adapter.Mapping `yaml:"mapping"`
}

// Manifest names the sources of one import. Left is required; Right is
// the cross-check feed and may be absent for single-source imports.
type Manifest struct {
	Left  Source  `yaml:"left"`
	Right *Source `yaml:"right"`
}

var knownFormats = map[string]bool{
	"csv": true, "xlsx": true, "json": true, "document": true,
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "importer: parse manifest %s", path)
	}

	if err := m.Left.validate("left"); err != nil {
		return nil, err
	}
	if m.Right != nil {
		if err := m.Right.validate("right"); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *Source) validate(side string) error {
	if s.Ref == "" {
		return eris.Errorf("importer: %s source has no ref", side)
	}
	if !knownFormats[s.Format] {
		return eris.Errorf("importer: %s source has unknown format %q", side, s.Format)
	}
	return nil
}
