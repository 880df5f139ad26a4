package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

// AgentSpec is one entry of the plugin file.
type AgentSpec struct {
	// Name is the display name and, unless Host is set, the host sampled
	Name string `mapstructure:"name"`

	Host         string `mapstructure:"host"`
	ProcessName  string `mapstructure:"process_name"`
	LabelPattern string `mapstructure:"label_pattern"`

	Counters []models.CounterQuery `mapstructure:"counterlist"`
}

type pluginFile struct {
	Agents []AgentSpec `mapstructure:"agents"`
}

// LoadPlugin reads plugin.json from dir and validates every agent.
func LoadPlugin(dir string) ([]AgentSpec, error) {
	v := viper.New()
	v.SetConfigName("plugin")
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading plugin file in %s: %w", dir, err)
	}

	var plugin pluginFile
	if err := v.Unmarshal(&plugin); err != nil {
		return nil, fmt.Errorf("%w: decoding plugin file: %w", internalerrors.ErrInvalidConfig, err)
	}

	if len(plugin.Agents) == 0 {
		return nil, internalerrors.ErrNoAgents
	}

	seen := make(map[string]bool, len(plugin.Agents))
	for i, agent := range plugin.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return nil, fmt.Errorf("%w: agent %d has no name", internalerrors.ErrInvalidConfig, i)
		}
		key := strings.ToLower(agent.Name)
		if seen[key] {
			return nil, fmt.Errorf("%w: agent %q is configured twice", internalerrors.ErrInvalidConfig, agent.Name)
		}
		seen[key] = true

		if len(agent.Counters) == 0 {
			return nil, fmt.Errorf("%s: %w", agent.Name, internalerrors.ErrEmptyCounterList)
		}
		for j, counter := range agent.Counters {
			if err := counter.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s counter %d: %w", internalerrors.ErrInvalidCounterQuery, agent.Name, j, err)
			}
		}
	}
	return plugin.Agents, nil
}
