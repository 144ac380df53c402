// Package config loads project definitions from YAML or HCL files and serves
// them to the engine.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

// Candidate file names looked up in the working directory.
var defaultNames = []string{"stagehand.yaml", "stagehand.yml", "stagehand.hcl"}

// Config is a loaded project definition.
type Config struct {
	api.Config
	// Path is the file the definition was read from; Dir is its directory,
	// which is the run root.
	Path string
	Dir  string
}

// DefaultPath returns the first stagehand.{yaml,yml,hcl} in dir, falling back
// to $XDG_CONFIG_HOME/stagehand/config.yaml or ~/.config/stagehand/config.yaml.
func DefaultPath(dir string) string {
	for _, n := range defaultNames {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(configHome(), "stagehand", "config.yaml")
}

func configHome() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return base
}

// LoadConfig reads a definition file. If path is empty, DefaultPath of the
// working directory is used. Files ending in .hcl are decoded as HCL, anything
// else as YAML. Variables from secrets.env and env_file are merged underneath
// the file's own variables, and STAGEHAND_* environment variables override
// top-level settings.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		path = DefaultPath(wd)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg api.Config
	if strings.EqualFold(filepath.Ext(abs), ".hcl") {
		cfg, err = decodeHCL(abs)
		if err != nil {
			return nil, err
		}
	} else {
		f, err := os.Open(abs)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	out := &Config{Config: cfg, Path: abs, Dir: filepath.Dir(abs)}
	if err := out.mergeVariables(); err != nil {
		return nil, err
	}
	out.applyEnv()
	if out.ResultsDir == "" {
		out.ResultsDir = results.DefaultDir
	}
	return out, nil
}

// mergeVariables layers secrets.env, then env_file, then the file's own
// variables.
func (c *Config) mergeVariables() error {
	vars, err := LoadSecretsEnv("")
	if err != nil {
		return err
	}
	if c.EnvFile != "" {
		p := c.EnvFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Dir, p)
		}
		env, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("read env_file %s: %w", c.EnvFile, err)
		}
		for k, v := range env {
			vars[k] = v
		}
	}
	for k, v := range c.Variables {
		vars[k] = v
	}
	c.Variables = vars
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STAGEHAND_SHELL"); v != "" {
		c.Shell = v
	}
	if v := os.Getenv("STAGEHAND_RESULTS_DIR"); v != "" {
		c.ResultsDir = v
	}
	if v := os.Getenv("STAGEHAND_CONTAINER_RUNTIME"); v != "" {
		c.ContainerRuntime = v
	}
}

// LoadSecretsEnv reads $XDG_CONFIG_HOME/stagehand/secrets.env (or
// ~/.config/stagehand/secrets.env) in dotenv format. A missing file yields an
// empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(configHome(), "stagehand", "secrets.env")
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	return vals, nil
}
