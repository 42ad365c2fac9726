// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ManifestFile is the YAML layout of a manifest source:
//
//	units:
//	  - id: icd10cm-2026
//	    url: https://example.org/icd10cm_2026.csv
//	  - id: hcpcs-local
//	    path: tables/hcpcs.csv
type ManifestFile struct {
	Units []ManifestUnit `yaml:"units"`
}

// ManifestUnit is one entry of a manifest. Relative paths resolve against
// the manifest's directory.
type ManifestUnit struct {
	ID   string `yaml:"id"`
	URL  string `yaml:"url,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// manifest serves static code tables whose units are listed by hand.
type manifest struct {
	base
}

func (m *manifest) ListUnits(_ context.Context) ([]Unit, error) {
	data, err := os.ReadFile(m.cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", m.cfg.ManifestPath, err)
	}
	var mf ManifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", m.cfg.ManifestPath, err)
	}

	dir := filepath.Dir(m.cfg.ManifestPath)
	seen := map[string]bool{}
	units := make([]Unit, 0, len(mf.Units))
	for i, mu := range mf.Units {
		if mu.ID == "" {
			return nil, fmt.Errorf("manifest %s: unit %d has no id", m.cfg.ManifestPath, i)
		}
		if seen[mu.ID] {
			return nil, fmt.Errorf("manifest %s: duplicate unit id %q", m.cfg.ManifestPath, mu.ID)
		}
		seen[mu.ID] = true
		if (mu.URL == "") == (mu.Path == "") {
			return nil, fmt.Errorf("manifest %s: unit %q needs exactly one of url or path", m.cfg.ManifestPath, mu.ID)
		}
		u := Unit{ID: mu.ID, URL: mu.URL}
		if mu.Path != "" {
			u.Path = mu.Path
			if !filepath.IsAbs(u.Path) {
				u.Path = filepath.Join(dir, u.Path)
			}
		}
		units = append(units, u)
	}
	return units, nil
}

func (m *manifest) FetchUnit(ctx context.Context, u Unit) ([]byte, error) {
	if u.Path != "" {
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("reading unit %s: %w", u.ID, err)
		}
		return data, nil
	}
	return m.get(ctx, u.URL)
}
