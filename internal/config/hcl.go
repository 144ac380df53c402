package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// hclFile is the top-level structure of an HCL definition file.
type hclFile struct {
	Shell            string            `hcl:"shell,optional"`
	ResultsDir       string            `hcl:"results_dir,optional"`
	EnvFile          string            `hcl:"env_file,optional"`
	ContainerRuntime string            `hcl:"container_runtime,optional"`
	Concurrency      int               `hcl:"concurrency,optional"`
	TaskPauseMS      *int              `hcl:"task_pause_ms,optional"`
	StagePauseMS     *int              `hcl:"stage_pause_ms,optional"`
	Ignore           []string          `hcl:"ignore,optional"`
	Variables        hcl.Expression    `hcl:"variables,optional"`
	Commands         []*hclCommand     `hcl:"command,block"`
	Stages           []*hclStage       `hcl:"stage,block"`
	Sequences        []*hclSequence    `hcl:"sequence,block"`
}

type hclCommand struct {
	Name           string            `hcl:"name,label"`
	Description    string            `hcl:"description,optional"`
	Shell          string   `hcl:"shell,optional"`
	AllowFailure   bool     `hcl:"allow_failure,optional"`
	DependsOn      []string `hcl:"depends_on,optional"`
	Outputs        []string `hcl:"outputs,optional"`
	TimeoutSeconds int      `hcl:"timeout_seconds,optional"`
	RemoveOnStop   bool     `hcl:"remove_on_stop,optional"`

	// Attributes that may carry ${NAME} references are kept as expressions
	// and read back from source by rawDecoder.
	Command    hcl.Expression `hcl:"command,optional"`
	Image      hcl.Expression `hcl:"image,optional"`
	ImageTag   hcl.Expression `hcl:"image_tag,optional"`
	WorkingDir hcl.Expression `hcl:"working_dir,optional"`
	Env        hcl.Expression `hcl:"env,optional"`
	OutputFile hcl.Expression `hcl:"output_file,optional"`
	Ports      hcl.Expression `hcl:"ports,optional"`
	Volumes    hcl.Expression `hcl:"volumes,optional"`
}

// hclStage lists referenced commands first and inline command blocks after
// them, in file order.
type hclStage struct {
	Name         string        `hcl:"name,label"`
	Description  string        `hcl:"description,optional"`
	Commands     []string      `hcl:"commands,optional"`
	Inline       []*hclCommand `hcl:"command,block"`
	Parallel     bool          `hcl:"parallel,optional"`
	AllowFailure bool          `hcl:"allow_failure,optional"`
}

type hclSequence struct {
	Name        string   `hcl:"name,label"`
	Description string   `hcl:"description,optional"`
	Stages      []string `hcl:"stages"`
}

func decodeHCL(path string) (api.Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return api.Config{}, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return api.Config{}, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	d := rawDecoder{src: file.Bytes}
	cfg := api.Config{
		Shell:            parsed.Shell,
		ResultsDir:       parsed.ResultsDir,
		EnvFile:          parsed.EnvFile,
		ContainerRuntime: parsed.ContainerRuntime,
		Concurrency:      parsed.Concurrency,
		TaskPauseMS:      parsed.TaskPauseMS,
		StagePauseMS:     parsed.StagePauseMS,
		Ignore:           parsed.Ignore,
		Variables:        d.textMap(parsed.Variables),
	}
	for _, c := range parsed.Commands {
		cfg.Commands = append(cfg.Commands, c.task(&d))
	}
	for _, s := range parsed.Stages {
		st := api.Stage{Name: s.Name, Description: s.Description, Parallel: s.Parallel, AllowFailure: s.AllowFailure}
		for _, ref := range s.Commands {
			st.Commands = append(st.Commands, api.TaskRef{Ref: ref})
		}
		for _, c := range s.Inline {
			t := c.task(&d)
			st.Commands = append(st.Commands, api.TaskRef{Inline: &t})
		}
		cfg.Stages = append(cfg.Stages, st)
	}
	for _, s := range parsed.Sequences {
		cfg.Sequences = append(cfg.Sequences, api.Sequence{Name: s.Name, Description: s.Description, Stages: s.Stages})
	}
	if d.diags.HasErrors() {
		return api.Config{}, fmt.Errorf("failed to decode HCL file %s: %w", path, d.diags)
	}
	return cfg, nil
}

func (c *hclCommand) task(d *rawDecoder) api.Task {
	return api.Task{
		Name:           c.Name,
		Description:    c.Description,
		Command:        d.text(c.Command),
		Image:          d.text(c.Image),
		ImageTag:       d.text(c.ImageTag),
		WorkingDir:     d.text(c.WorkingDir),
		Env:            d.textMap(c.Env),
		Shell:          c.Shell,
		AllowFailure:   c.AllowFailure,
		DependsOn:      c.DependsOn,
		Outputs:        c.Outputs,
		OutputFile:     d.text(c.OutputFile),
		TimeoutSeconds: c.TimeoutSeconds,
		Ports:          d.textList(c.Ports),
		Volumes:        d.textList(c.Volumes),
		RemoveOnStop:   c.RemoveOnStop,
	}
}

// rawDecoder turns string expressions back into text with their
// interpolations left as ${...}, so the engine can substitute them at run
// time. Diagnostics accumulate across calls.
type rawDecoder struct {
	src   []byte
	diags hcl.Diagnostics
}

func (d *rawDecoder) text(expr hcl.Expression) string {
	if expr == nil {
		return ""
	}
	switch e := expr.(type) {
	case *hclsyntax.TemplateWrapExpr:
		return d.interpolation(e.Wrapped)
	case *hclsyntax.TemplateExpr:
		var b strings.Builder
		for _, part := range e.Parts {
			if lit, ok := part.(*hclsyntax.LiteralValueExpr); ok && lit.Val.Type() == cty.String && !lit.Val.IsNull() {
				b.WriteString(lit.Val.AsString())
				continue
			}
			b.WriteString(d.interpolation(part))
		}
		return b.String()
	}
	if v, _ := expr.Value(nil); v.IsNull() {
		return ""
	}
	var s string
	d.diags = append(d.diags, gohcl.DecodeExpression(expr, nil, &s)...)
	return s
}

func (d *rawDecoder) interpolation(expr hcl.Expression) string {
	return "${" + string(expr.Range().SliceBytes(d.src)) + "}"
}

func (d *rawDecoder) textMap(expr hcl.Expression) map[string]string {
	if expr == nil {
		return nil
	}
	if v, _ := expr.Value(nil); v.IsNull() {
		return nil
	}
	pairs, diags := hcl.ExprMap(expr)
	d.diags = append(d.diags, diags...)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		var key string
		if diags := gohcl.DecodeExpression(kv.Key, nil, &key); diags.HasErrors() {
			d.diags = append(d.diags, diags...)
			continue
		}
		out[key] = d.text(kv.Value)
	}
	return out
}

func (d *rawDecoder) textList(expr hcl.Expression) []string {
	if expr == nil {
		return nil
	}
	if v, _ := expr.Value(nil); v.IsNull() {
		return nil
	}
	items, diags := hcl.ExprList(expr)
	d.diags = append(d.diags, diags...)
	var out []string
	for _, item := range items {
		out = append(out, d.text(item))
	}
	return out
}
