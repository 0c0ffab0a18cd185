// Package transcoding holds the configured transcoding rules and the command template builder.
package transcoding

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
)

// Definition is the configured (serialisable) form of a rule.
type Definition struct {
	ID            int      `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	SourceFormats []string `yaml:"sourceFormats" json:"sourceFormats"`
	TargetFormat  string   `yaml:"targetFormat" json:"targetFormat"`
	Step1         string   `yaml:"step1" json:"step1"`
	Step2         string   `yaml:"step2,omitempty" json:"step2,omitempty"`
	MaxBitRate    int      `yaml:"maxBitRate,omitempty" json:"maxBitRate,omitempty"`
	DefaultActive bool     `yaml:"defaultActive" json:"defaultActive"`
}

// Rule is a compiled Definition.
type Rule struct {
	ID            int
	Name          string
	TargetFormat  string
	Step1         Template
	Step2         Template // zero when the rule has a single step
	MaxBitRate    int      // kbps, 0 when the rule declares no default ceiling
	DefaultActive bool

	sources []string
	def     Definition
}

// Compile validates d and parses its templates.
func Compile(d Definition) (*Rule, error) {
	if d.ID <= 0 {
		return nil, fmt.Errorf("%w: id must be positive (got %d)", ErrInvalidRule, d.ID)
	}
	target := media.NormalizeFormat(d.TargetFormat)
	if target == "" {
		return nil, fmt.Errorf("%w %d: target format is required", ErrInvalidRule, d.ID)
	}
	if d.MaxBitRate < 0 {
		return nil, fmt.Errorf("%w %d: maxBitRate must not be negative", ErrInvalidRule, d.ID)
	}
	sources := make([]string, 0, len(d.SourceFormats))
	for _, f := range d.SourceFormats {
		for _, part := range strings.Fields(f) {
			if n := media.NormalizeFormat(part); n != "" && !slices.Contains(sources, n) {
				sources = append(sources, n)
			}
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w %d: at least one source format is required", ErrInvalidRule, d.ID)
	}
	step1, err := ParseTemplate(d.Step1)
	if err != nil {
		return nil, fmt.Errorf("rule %d step1: %w", d.ID, err)
	}
	var step2 Template
	if strings.TrimSpace(d.Step2) != "" {
		if step2, err = ParseTemplate(d.Step2); err != nil {
			return nil, fmt.Errorf("rule %d step2: %w", d.ID, err)
		}
	}
	d.TargetFormat = target
	d.SourceFormats = sources
	return &Rule{
		ID:            d.ID,
		Name:          d.Name,
		TargetFormat:  target,
		Step1:         step1,
		Step2:         step2,
		MaxBitRate:    d.MaxBitRate,
		DefaultActive: d.DefaultActive,
		sources:       sources,
		def:           d,
	}, nil
}

// Accepts reports whether the rule converts the given source format.
func (r *Rule) Accepts(format string) bool {
	return slices.Contains(r.sources, media.NormalizeFormat(format))
}

// SourceFormats returns a copy of the accepted source formats.
func (r *Rule) SourceFormats() []string {
	return slices.Clone(r.sources)
}

// Steps returns the configured steps in execution order.
func (r *Rule) Steps() []Template {
	if r.Step2.IsZero() {
		return []Template{r.Step1}
	}
	return []Template{r.Step1, r.Step2}
}

// LastStep is the step whose output reaches the client.
func (r *Rule) LastStep() Template {
	if r.Step2.IsZero() {
		return r.Step1
	}
	return r.Step2
}

// Definition returns the normalised configured form.
func (r *Rule) Definition() Definition {
	d := r.def
	d.SourceFormats = slices.Clone(r.sources)
	return d
}
