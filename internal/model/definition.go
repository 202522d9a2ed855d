// Package model builds an unrolled recurrent graph from an ordered block
// definition and drives its forward and backward passes.
package model

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/rnnflow/internal/errs"
	"github.com/born-ml/rnnflow/internal/kernel"
)

// Block types.
const (
	TypeEmbedding    = "embedding"
	TypeLSTM         = "lstm"
	TypeHstack       = "hstack"
	TypeDot          = "dot"
	TypeNonlinearity = "nonlinearity"
	TypeSoftmaxCE    = "softmax_ce"
)

// DataName is the reserved name of the data block; its ports are
// "sentence_batch" and "mask".
const DataName = "data"

// BlockDef configures one named block. Fields unused by a type are ignored.
type BlockDef struct {
	Name string `yaml:"-" json:"-"`
	Type string `yaml:"type" json:"type"`

	Input  string   `yaml:"input,omitempty" json:"input,omitempty"`
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Labels string   `yaml:"labels,omitempty" json:"labels,omitempty"`
	Mask   string   `yaml:"mask,omitempty" json:"mask,omitempty"`
	// Shift selects labels and mask at timestep t+Shift.
	Shift int `yaml:"shift,omitempty" json:"shift,omitempty"`

	VocabSize  int     `yaml:"vocab_size,omitempty" json:"vocab_size,omitempty"`
	Dim        int     `yaml:"dim,omitempty" json:"dim,omitempty"`
	Hidden     int     `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Reverse    bool    `yaml:"reverse,omitempty" json:"reverse,omitempty"`
	Units      int     `yaml:"units,omitempty" json:"units,omitempty"`
	Bias       bool    `yaml:"bias,omitempty" json:"bias,omitempty"`
	Activation string  `yaml:"activation,omitempty" json:"activation,omitempty"`
	MaxWidth   int     `yaml:"max_width,omitempty" json:"max_width,omitempty"`
	InitScale  float32 `yaml:"init_scale,omitempty" json:"init_scale,omitempty"`
	Device     int     `yaml:"device,omitempty" json:"device,omitempty"`
}

// refs returns every input reference of the block.
func (b *BlockDef) refs() []string {
	var out []string
	if b.Input != "" {
		out = append(out, b.Input)
	}
	out = append(out, b.Inputs...)
	if b.Labels != "" {
		out = append(out, b.Labels)
	}
	if b.Mask != "" {
		out = append(out, b.Mask)
	}
	return out
}

// Definition is an ordered list of block definitions.
type Definition struct {
	Blocks []BlockDef
}

// ParseDefinition reads a YAML or JSON mapping of block name to
// configuration, preserving the mapping order.
func ParseDefinition(data []byte) (*Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse model definition: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errs.New(errs.Shape, "model.ParseDefinition", "empty model definition")
	}
	m := root.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil, errs.New(errs.Shape, "model.ParseDefinition", "line %d: model definition must be a mapping", m.Line)
	}
	d := &Definition{}
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, val := m.Content[i], m.Content[i+1]
		var b BlockDef
		if err := val.Decode(&b); err != nil {
			return nil, fmt.Errorf("block %q: %w", key.Value, err)
		}
		b.Name = key.Value
		d.Blocks = append(d.Blocks, b)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Marshal encodes the definition as a YAML mapping in block order.
func (d *Definition) Marshal() ([]byte, error) {
	m := &yaml.Node{Kind: yaml.MappingNode}
	for i := range d.Blocks {
		var val yaml.Node
		if err := val.Encode(&d.Blocks[i]); err != nil {
			return nil, fmt.Errorf("block %q: %w", d.Blocks[i].Name, err)
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: d.Blocks[i].Name}, &val)
	}
	return yaml.Marshal(m)
}

// Block returns the named definition, or nil.
func (d *Definition) Block(name string) *BlockDef {
	for i := range d.Blocks {
		if d.Blocks[i].Name == name {
			return &d.Blocks[i]
		}
	}
	return nil
}

// splitRef splits "name.port" into its parts; port is empty for "name".
func splitRef(ref string) (name, port string) {
	name, port, _ = strings.Cut(ref, ".")
	return name, port
}

func shapeErr(format string, args ...any) error {
	return errs.New(errs.Shape, "model.Validate", format, args...)
}

// Validate checks names, types, required fields and references. The
// reference graph must be acyclic.
func (d *Definition) Validate() error {
	if len(d.Blocks) == 0 {
		return shapeErr("no blocks")
	}
	seen := make(map[string]bool, len(d.Blocks))
	for i := range d.Blocks {
		b := &d.Blocks[i]
		switch {
		case b.Name == "" || strings.Contains(b.Name, "."):
			return shapeErr("invalid block name %q", b.Name)
		case b.Name == DataName:
			return shapeErr("block name %q is reserved", DataName)
		case seen[b.Name]:
			return shapeErr("duplicate block name %q", b.Name)
		}
		seen[b.Name] = true
		if err := b.validate(); err != nil {
			return err
		}
	}
	for i := range d.Blocks {
		b := &d.Blocks[i]
		for _, ref := range b.refs() {
			name, port := splitRef(ref)
			if name == DataName {
				if port != "sentence_batch" && port != "mask" {
					return shapeErr("%s: unknown data port in %q", b.Name, ref)
				}
				continue
			}
			if !seen[name] {
				return shapeErr("%s: unknown input %q", b.Name, ref)
			}
		}
	}
	_, err := d.order()
	return err
}

func (b *BlockDef) validate() error {
	need := func(ok bool, what string) error {
		if !ok {
			return shapeErr("%s: %s block needs %s", b.Name, b.Type, what)
		}
		return nil
	}
	switch b.Type {
	case TypeEmbedding:
		return firstErr(need(b.Input != "", "an input"), need(b.VocabSize > 0, "vocab_size"), need(b.Dim > 0, "dim"))
	case TypeLSTM:
		return firstErr(need(b.Input != "", "an input"), need(b.Hidden > 0, "hidden"))
	case TypeHstack:
		return need(len(b.Inputs) >= 2, "at least two inputs")
	case TypeDot:
		return firstErr(need(b.Input != "", "an input"), need(b.Units > 0, "units"))
	case TypeNonlinearity:
		if err := need(b.Input != "", "an input"); err != nil {
			return err
		}
		if _, ok := kernel.ParseActivation(b.Activation); !ok {
			return shapeErr("%s: unknown activation %q", b.Name, b.Activation)
		}
		return nil
	case TypeSoftmaxCE:
		return firstErr(need(b.Input != "", "an input"), need(b.Labels != "", "labels"), need(b.Shift >= 0, "a non-negative shift"))
	default:
		return shapeErr("%s: unknown block type %q", b.Name, b.Type)
	}
}

func firstErr(list ...error) error {
	for _, err := range list {
		if err != nil {
			return err
		}
	}
	return nil
}

// order returns block indices in dependency order, stable with respect to
// the definition order.
func (d *Definition) order() ([]int, error) {
	index := make(map[string]int, len(d.Blocks))
	for i := range d.Blocks {
		index[d.Blocks[i].Name] = i
	}
	indegree := make([]int, len(d.Blocks))
	users := make([][]int, len(d.Blocks))
	for i := range d.Blocks {
		for _, ref := range d.Blocks[i].refs() {
			name, _ := splitRef(ref)
			if name == DataName {
				continue
			}
			j := index[name]
			if j == i {
				return nil, shapeErr("%s: block references itself", d.Blocks[i].Name)
			}
			indegree[i]++
			users[j] = append(users[j], i)
		}
	}
	var order []int
	done := make([]bool, len(d.Blocks))
	for len(order) < len(d.Blocks) {
		progressed := false
		for i := range d.Blocks {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			order = append(order, i)
			for _, u := range users[i] {
				indegree[u]--
			}
			progressed = true
			break
		}
		if !progressed {
			var cyc []string
			for i := range d.Blocks {
				if !done[i] {
					cyc = append(cyc, d.Blocks[i].Name)
				}
			}
			return nil, shapeErr("reference cycle among %s", strings.Join(cyc, ", "))
		}
	}
	return order, nil
}
