package config

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/3cpo-dev/stagehand/internal/results"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

// Provider serves a loaded definition by name.
type Provider struct {
	cfg       *Config
	commands  map[string]api.Task
	stages    map[string]api.Stage
	sequences map[string]api.Sequence
}

// NewProvider indexes cfg and rejects duplicate or unnamed definitions.
func NewProvider(cfg *Config) (*Provider, error) {
	p := &Provider{
		cfg:       cfg,
		commands:  make(map[string]api.Task, len(cfg.Commands)),
		stages:    make(map[string]api.Stage, len(cfg.Stages)),
		sequences: make(map[string]api.Sequence, len(cfg.Sequences)),
	}
	for _, c := range cfg.Commands {
		if c.Name == "" {
			return nil, fmt.Errorf("%s: command without a name", cfg.Path)
		}
		if _, dup := p.commands[c.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate command %q", cfg.Path, c.Name)
		}
		p.commands[c.Name] = c
	}
	for _, s := range cfg.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("%s: stage without a name", cfg.Path)
		}
		if _, dup := p.stages[s.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate stage %q", cfg.Path, s.Name)
		}
		p.stages[s.Name] = s
	}
	for _, s := range cfg.Sequences {
		if s.Name == "" {
			return nil, fmt.Errorf("%s: sequence without a name", cfg.Path)
		}
		if _, dup := p.sequences[s.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate sequence %q", cfg.Path, s.Name)
		}
		p.sequences[s.Name] = s
	}
	return p, nil
}

func (p *Provider) Command(name string) (api.Task, bool) {
	t, ok := p.commands[name]
	return t, ok
}

func (p *Provider) Stage(name string) (api.Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

func (p *Provider) Sequence(name string) (api.Sequence, bool) {
	s, ok := p.sequences[name]
	return s, ok
}

// Variables returns a copy of the merged variables.
func (p *Provider) Variables() map[string]string {
	out := make(map[string]string, len(p.cfg.Variables))
	for k, v := range p.cfg.Variables {
		out[k] = v
	}
	return out
}

// Names lists every definition name of a kind ("command", "stage" or
// "sequence"), sorted.
func (p *Provider) Names(kind string) []string {
	var out []string
	switch kind {
	case "command":
		for n := range p.commands {
			out = append(out, n)
		}
	case "stage":
		for n := range p.stages {
			out = append(out, n)
		}
	case "sequence":
		for n := range p.sequences {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// TaskPause returns the configured pause between sequential tasks, or def.
func (c *Config) TaskPause(def time.Duration) time.Duration {
	if c.TaskPauseMS == nil {
		return def
	}
	return time.Duration(*c.TaskPauseMS) * time.Millisecond
}

// StagePause returns the configured pause between stages, or def.
func (c *Config) StagePause(def time.Duration) time.Duration {
	if c.StagePauseMS == nil {
		return def
	}
	return time.Duration(*c.StagePauseMS) * time.Millisecond
}

// NewIgnore builds the ignore predicate from glob patterns. A pattern without
// a slash matches any path segment; a pattern with one is anchored at the
// root. A trailing "/**" or "/" covers everything below, and a leading "**/"
// drops the anchor. A path is ignored when it or any of its parents match.
func NewIgnore(patterns []string) results.IgnoreFunc {
	var pats []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = strings.TrimSuffix(p, "/")
		p = strings.TrimSuffix(p, "/**")
		p = strings.TrimPrefix(p, "/")
		p = strings.TrimPrefix(p, "**/")
		if p != "" {
			pats = append(pats, p)
		}
	}
	if len(pats) == 0 {
		return nil
	}
	return func(rel string) bool {
		rel = strings.Trim(path.Clean("/"+rel), "/")
		if rel == "" {
			return false
		}
		segs := strings.Split(rel, "/")
		for i := range segs {
			prefix := strings.Join(segs[:i+1], "/")
			for _, p := range pats {
				target := prefix
				if !strings.Contains(p, "/") {
					target = segs[i]
				}
				if ok, _ := path.Match(p, target); ok {
					return true
				}
			}
		}
		return false
	}
}
