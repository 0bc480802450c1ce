package vad

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewDetector builds the detector named by cfg.Detector.
func NewDetector(cfg config.VADConfig) (Detector, error) {
	switch cfg.Detector {
	case "", "energy":
		if cfg.EnergyCeilingDB <= cfg.EnergyFloorDB {
			return nil, fmt.Errorf("vad: energy ceiling %.1f dB must exceed floor %.1f dB", cfg.EnergyCeilingDB, cfg.EnergyFloorDB)
		}
		return NewEnergyDetector(cfg.EnergyFloorDB, cfg.EnergyCeilingDB), nil
	case "model":
		d, err := NewModelDetector(cfg.Command)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("vad: unknown detector %q", cfg.Detector)
	}
}
