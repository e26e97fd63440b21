// Package matrix defines the workload configurations a benchmark run iterates.
package matrix

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("matrix: invalid configuration")

// Scenario tags a configuration for the per-scenario summary.
type Scenario string

const (
	Prefill    Scenario = "prefill"
	Generation Scenario = "generation"
)

// ParseScenario validates a scenario name.
func ParseScenario(s string) (Scenario, error) {
	switch sc := Scenario(strings.ToLower(strings.TrimSpace(s))); sc {
	case Prefill, Generation:
		return sc, nil
	default:
		return "", fmt.Errorf("%w: unknown scenario %q (want prefill|generation)", ErrInvalid, s)
	}
}

// Configuration is one workload point. KVLen of zero means QueryLen.
type Configuration struct {
	Name     string   `toml:"name"      json:"name"`
	Batch    int      `toml:"batch"     json:"batch"`
	QueryLen int      `toml:"query_len" json:"query_len"`
	KVLen    int      `toml:"kv_len"    json:"kv_len"`
	Scenario Scenario `toml:"scenario"  json:"scenario"`
}

// KV returns the key/value sequence length.
func (c Configuration) KV() int {
	if c.KVLen == 0 {
		return c.QueryLen
	}

	return c.KVLen
}

// Validate checks sizes, name and scenario.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}

	if c.Batch <= 0 || c.QueryLen <= 0 || c.KV() <= 0 {
		return fmt.Errorf("%w: %q: batch, query_len and kv_len must be positive (got %d, %d, %d)",
			ErrInvalid, c.Name, c.Batch, c.QueryLen, c.KV())
	}

	if _, err := ParseScenario(string(c.Scenario)); err != nil {
		return fmt.Errorf("%q: %w", c.Name, err)
	}

	return nil
}

// Matrix is an ordered set of uniquely named configurations.
type Matrix struct {
	configs []Configuration
}

// New validates configs and returns them as a matrix, with KVLen resolved.
func New(configs []Configuration) (*Matrix, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: matrix has no configurations", ErrInvalid)
	}

	seen := make(map[string]bool, len(configs))
	out := make([]Configuration, 0, len(configs))

	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}

		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalid, c.Name)
		}

		seen[c.Name] = true
		c.KVLen = c.KV()
		c.Scenario, _ = ParseScenario(string(c.Scenario))
		out = append(out, c)
	}

	return &Matrix{configs: out}, nil
}

// Configs returns the configurations in execution order.
func (m *Matrix) Configs() []Configuration {
	return append([]Configuration(nil), m.configs...)
}

func (m *Matrix) Len() int { return len(m.configs) }

// Lookup finds a configuration by name.
func (m *Matrix) Lookup(name string) (Configuration, bool) {
	for _, c := range m.configs {
		if c.Name == name {
			return c, true
		}
	}

	return Configuration{}, false
}

// Default is the built-in matrix: long-context prefill plus single-token
// generation against a cached context.
func Default() *Matrix {
	m, err := New([]Configuration{
		{Name: "Prefill - Small Batch", Batch: 1, QueryLen: 2048, Scenario: Prefill},
		{Name: "Prefill - Medium Batch", Batch: 4, QueryLen: 2048, Scenario: Prefill},
		{Name: "Prefill - Long Context", Batch: 1, QueryLen: 4096, Scenario: Prefill},
		{Name: "Prefill - Very Long", Batch: 1, QueryLen: 8192, Scenario: Prefill},
		{Name: "Generation - Single Token", Batch: 1, QueryLen: 1, KVLen: 2048, Scenario: Generation},
		{Name: "Generation - Batch 4", Batch: 4, QueryLen: 1, KVLen: 2048, Scenario: Generation},
		{Name: "Generation - Batch 8", Batch: 8, QueryLen: 1, KVLen: 2048, Scenario: Generation},
		{Name: "Generation - Long Context", Batch: 1, QueryLen: 1, KVLen: 4096, Scenario: Generation},
	})
	if err != nil {
		panic(err)
	}

	return m
}

type file struct {
	Configs []Configuration `toml:"config"`
}

// LoadFile reads a TOML matrix of [[config]] tables.
func LoadFile(path string) (*Matrix, error) {
	var f file

	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("matrix: decode %s: %w", path, err)
	}

	return New(f.Configs)
}

// Decode reads a TOML matrix from r.
func Decode(r io.Reader) (*Matrix, error) {
	var f file

	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("matrix: decode: %w", err)
	}

	return New(f.Configs)
}

// Encode writes m as TOML.
func (m *Matrix) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(file{Configs: m.configs})
}

// Select returns the named configurations, in matrix order.
func (m *Matrix) Select(names []string) (*Matrix, error) {
	if len(names) == 0 {
		return m, nil
	}

	var out []Configuration

	for _, n := range names {
		if _, ok := m.Lookup(n); !ok {
			return nil, fmt.Errorf("%w: no configuration named %q", ErrInvalid, n)
		}
	}

	for _, c := range m.configs {
		for _, n := range names {
			if c.Name == n {
				out = append(out, c)
				break
			}
		}
	}

	return &Matrix{configs: out}, nil
}
