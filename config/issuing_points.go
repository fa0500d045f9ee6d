package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultIssuingPointID = "MasterCRL"

type IssuingPoint struct {
	ID          string `yaml:"id"`
	EnableDelta bool   `yaml:"enable_delta"`
}

type issuingPointsFile struct {
	IssuingPoints []IssuingPoint `yaml:"issuing_points"`
}

// LoadIssuingPoints reads the issuing point definitions named by the settings.
// Without a file a single master CRL issuing point with delta CRLs is configured.
func LoadIssuingPoints(settings Settings) ([]IssuingPoint, error) {
	if settings.IssuingPointsFile == "" {
		return []IssuingPoint{{ID: DefaultIssuingPointID, EnableDelta: true}}, nil
	}

	data, err := os.ReadFile(settings.IssuingPointsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuing points file: %w", err)
	}

	var file issuingPointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse issuing points file: %w", err)
	}

	if len(file.IssuingPoints) == 0 {
		return nil, fmt.Errorf("issuing points file %s defines no issuing points", settings.IssuingPointsFile)
	}

	seen := map[string]bool{}
	for _, ip := range file.IssuingPoints {
		if ip.ID == "" {
			return nil, fmt.Errorf("issuing point without id in %s", settings.IssuingPointsFile)
		}
		if seen[ip.ID] {
			return nil, fmt.Errorf("duplicate issuing point %q in %s", ip.ID, settings.IssuingPointsFile)
		}
		seen[ip.ID] = true
	}

	return file.IssuingPoints, nil
}
