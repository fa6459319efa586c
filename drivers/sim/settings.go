package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/voltlab/cellbench/channelio"
)

// Settings describes the configuration accepted via source.settings.
//
// Each script entry is one polling round. A round either names a single
// channel with its values or carries an explicit samples list covering
// several channels.
type Settings struct {
	Loop   bool          `yaml:"loop"`
	Script []ScriptRound `yaml:"script"`
}

// ScriptRound is one scripted polling round.
type ScriptRound struct {
	Channel uint32            `yaml:"channel"`
	Values  map[string]string `yaml:"values,omitempty"`
	Samples []ScriptSample    `yaml:"samples,omitempty"`
}

// ScriptSample is a single channel's measurements within a round.
type ScriptSample struct {
	Channel uint32            `yaml:"channel"`
	Values  map[string]string `yaml:"values"`
}

func parseSettings(node *yaml.Node) (Settings, error) {
	if node == nil || node.Kind == 0 {
		return Settings{}, nil
	}
	var settings Settings
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode sim settings: %w", err)
	}
	return settings, nil
}

// resolve converts the script into concrete sample rounds. Values are parsed
// as decimals so "4.2" in the script survives the trip into a float without
// surprising the comparisons test procedures make against it.
func (s Settings) resolve(deps channelio.Dependencies) ([][]channelio.Sample, error) {
	rounds := make([][]channelio.Sample, 0, len(s.Script))
	for i, round := range s.Script {
		samples := round.Samples
		if len(samples) == 0 {
			samples = []ScriptSample{{Channel: round.Channel, Values: round.Values}}
		}
		resolved := make([]channelio.Sample, 0, len(samples))
		for _, sample := range samples {
			if deps.MaxChannels > 0 && int(sample.Channel) >= deps.MaxChannels {
				return nil, fmt.Errorf("script round %d: channel %d out of range (max %d)", i, sample.Channel, deps.MaxChannels-1)
			}
			values, err := parseValues(sample.Values)
			if err != nil {
				return nil, fmt.Errorf("script round %d channel %d: %w", i, sample.Channel, err)
			}
			resolved = append(resolved, channelio.Sample{Channel: sample.Channel, Values: values})
		}
		rounds = append(rounds, resolved)
	}
	return rounds, nil
}

func parseValues(raw map[string]string) (channelio.Snapshot, error) {
	values := make(channelio.Snapshot, len(raw))
	for key, text := range raw {
		if key == "" {
			return nil, fmt.Errorf("measurement name must not be empty")
		}
		dec, err := decimal.NewFromString(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s=%q: %w", key, text, err)
		}
		values[key] = dec.InexactFloat64()
	}
	return values, nil
}
