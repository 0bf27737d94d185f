package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/mcpbridge/internal/bridge"
	"github.com/loykin/mcpbridge/internal/logger"
	"github.com/loykin/mcpbridge/internal/supervisor"
	"github.com/loykin/mcpbridge/internal/worker"
)

// File is the top-level TOML structure.
//
//	env = ["HTTP_PROXY=..."]
//	allowed_commands = ["node", "python3"]
//
//	[log]
//	dir = "/var/log/mcpbridge"
//
//	[restart]
//	max_restarts = 5
//	base_delay = "1s"
//	max_delay = "60s"
//	backoff_factor = 2.0
//	reset_after = "5m"
//
//	[bridge]
//	request_timeout = "30s"
//	max_buffer_size = 1048576
//
//	[server]
//	listen = ":8790"
//	base_path = "/api"
//
//	[history]
//	dsn = "sqlite:///var/lib/mcpbridge/history.db"
//
//	[[workers]]
//	id = "office-word"
//	name = "word"
//	command = "node"
//	args = ["servers/word/index.js"]
//	enabled = true
type File struct {
	Env             []string          `toml:"env" mapstructure:"env"`
	AllowedCommands []string          `toml:"allowed_commands" mapstructure:"allowed_commands"`
	Log             logger.Config     `toml:"log" mapstructure:"log"`
	Restart         supervisor.Policy `toml:"restart" mapstructure:"restart"`
	Bridge          bridge.Config     `toml:"bridge" mapstructure:"bridge"`
	Server          Server            `toml:"server" mapstructure:"server"`
	History         History           `toml:"history" mapstructure:"history"`
	Workers         []worker.Spec     `toml:"workers" mapstructure:"workers"`
}

type Server struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type History struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc File
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := restoreEnvCase(path, fc.Workers); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.validate(); err != nil {
		return nil, err
	}
	fc.Restart = fc.Restart.Normalize()
	if fc.Server.Listen == "" {
		fc.Server.Listen = ":8790"
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = "/api"
	}
	return &fc, nil
}

// restoreEnvCase re-decodes the worker env overlays straight from the TOML
// source. Viper lowercases all map keys, which would mangle environment
// variable names like PYTHONUNBUFFERED before they reach the child process.
func restoreEnvCase(path string, workers []worker.Spec) error {
	if len(workers) == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw struct {
		Workers []struct {
			Env map[string]string `toml:"env"`
		} `toml:"workers"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i := range workers {
		if i < len(raw.Workers) {
			workers[i].Env = raw.Workers[i].Env
		}
	}
	return nil
}

func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.Workers))
	for i := range f.Workers {
		w := &f.Workers[i]
		if w.ID == "" {
			return fmt.Errorf("workers[%d]: id required", i)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = struct{}{}
		if w.Name == "" {
			w.Name = w.ID
		}
		if w.Command == "" {
			return fmt.Errorf("worker %s: command required", w.ID)
		}
	}
	return nil
}
