package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"position-engine/internal/risk"
)

// InstrumentsFile is the top-level YAML structure. Each entry is a
// risk.RiskConfig; fields left out keep risk.DefaultConfig values, except the
// instrument block which must be given in full.
type InstrumentsFile struct {
	Instruments []yaml.Node `yaml:"instruments"`
}

// LoadInstruments reads and validates per-instrument risk configs from a YAML file.
func LoadInstruments(path string) ([]risk.RiskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read instruments file")
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes an instruments document. Symbols are upper-cased
// and must be unique.
func ParseInstruments(data []byte) ([]risk.RiskConfig, error) {
	var file InstrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse instruments")
	}
	if len(file.Instruments) == 0 {
		return nil, errors.New("no instruments configured")
	}

	seen := make(map[string]struct{}, len(file.Instruments))
	out := make([]risk.RiskConfig, 0, len(file.Instruments))
	for i := range file.Instruments {
		cfg := risk.DefaultConfig()
		cfg.Instrument = risk.Instrument{}
		if err := file.Instruments[i].Decode(&cfg); err != nil {
			return nil, errors.Wrapf(err, "instrument #%d", i+1)
		}
		cfg.Instrument.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Instrument.Symbol))
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrapf(err, "instrument #%d (%s)", i+1, cfg.Instrument.Symbol)
		}
		if _, dup := seen[cfg.Instrument.Symbol]; dup {
			return nil, errors.Errorf("instrument %s configured twice", cfg.Instrument.Symbol)
		}
		seen[cfg.Instrument.Symbol] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}
