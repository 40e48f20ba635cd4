package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

type config struct {
	OutputSuffix   string `mapstructure:"output_suffix" default:".32.o"`
	Signatures     string `mapstructure:"signatures"`
	RenameSections bool   `mapstructure:"rename_sections" default:"true"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path == "" {
		return config, nil
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
