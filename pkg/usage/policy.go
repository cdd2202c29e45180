package usage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// thresholdsFile is the on-disk shape of an anomaly threshold override file.
type thresholdsFile struct {
	Base       string            `yaml:"base"` // "lenient", "strict", or empty
	Thresholds AnomalyThresholds `yaml:"thresholds"`
}

// LoadThresholds reads anomaly thresholds from a YAML file. The file may name
// a base preset; any non-zero field in the file overrides the preset value.
func LoadThresholds(path string) (AnomalyThresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AnomalyThresholds{}, fmt.Errorf("read thresholds file %s: %w", path, err)
	}
	return ParseThresholds(data)
}

// ParseThresholds parses YAML threshold data from raw bytes.
func ParseThresholds(data []byte) (AnomalyThresholds, error) {
	var f thresholdsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return AnomalyThresholds{}, fmt.Errorf("parse thresholds: %w", err)
	}

	base, err := PresetThresholds(f.Base)
	if err != nil {
		return AnomalyThresholds{}, err
	}
	return overlay(base, f.Thresholds), nil
}

// PresetThresholds resolves a named preset. An empty name means lenient.
func PresetThresholds(name string) (AnomalyThresholds, error) {
	switch name {
	case "", "lenient":
		return LenientThresholds(), nil
	case "strict":
		return StrictThresholds(), nil
	default:
		return AnomalyThresholds{}, fmt.Errorf("unknown anomaly preset %q", name)
	}
}

func overlay(base, over AnomalyThresholds) AnomalyThresholds {
	if over.MaxTotalTokens > 0 {
		base.MaxTotalTokens = over.MaxTotalTokens
	}
	if over.MaxTotalCost > 0 {
		base.MaxTotalCost = over.MaxTotalCost
	}
	if over.MaxDailyTokens > 0 {
		base.MaxDailyTokens = over.MaxDailyTokens
	}
	if over.MaxDailyCost > 0 {
		base.MaxDailyCost = over.MaxDailyCost
	}
	if over.MaxAvgDailyCost > 0 {
		base.MaxAvgDailyCost = over.MaxAvgDailyCost
	}
	if over.MinCostPerToken > 0 {
		base.MinCostPerToken = over.MinCostPerToken
	}
	if over.MaxCostPerToken > 0 {
		base.MaxCostPerToken = over.MaxCostPerToken
	}
	return base
}
