// Package config loads allocator and machine settings from TOML.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Machine lists the allocatable registers by name. Empty lists mean the
// full RV64 register file.
type Machine struct {
	General []string `toml:"general"`
	Float   []string `toml:"float"`
}

// Alloc holds the allocator knobs.
type Alloc struct {
	MaxRecolorNeighbors int  `toml:"max_recolor_neighbors" default:"2"`
	MaxCoalesceRounds   int  `toml:"max_coalesce_rounds" default:"4"`
	LoopWeight          int  `toml:"loop_weight" default:"10"`
	Coalesce            bool `toml:"coalesce" default:"true"`
	AvoidCallerSaved    bool `toml:"avoid_caller_saved" default:"true"`
	RearrangeStack      bool `toml:"rearrange_stack" default:"true"`
	Jobs                int  `toml:"jobs" default:"4"`
}

// Diag controls logging and trace dumps.
type Diag struct {
	Level   string `toml:"level" default:"info"`
	DumpDir string `toml:"dump_dir"`
}

// Config is the whole configuration file.
type Config struct {
	Machine Machine `toml:"machine"`
	Alloc   Alloc   `toml:"alloc"`
	Diag    Diag    `toml:"diag"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Alloc: Alloc{
			MaxRecolorNeighbors: 2,
			MaxCoalesceRounds:   4,
			LoopWeight:          10,
			Coalesce:            true,
			AvoidCallerSaved:    true,
			RearrangeStack:      true,
			Jobs:                4,
		},
		Diag: Diag{Level: "info"},
	}
}

// Parse reads a configuration from TOML text. Keys the text omits keep
// their default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// Validate rejects settings the allocator cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Alloc.MaxRecolorNeighbors < 0:
		return errors.New("config: max_recolor_neighbors must not be negative")
	case c.Alloc.MaxCoalesceRounds < 0:
		return errors.New("config: max_coalesce_rounds must not be negative")
	case c.Alloc.LoopWeight < 1:
		return errors.New("config: loop_weight must be at least 1")
	case c.Alloc.Jobs < 1:
		return errors.New("config: jobs must be at least 1")
	}
	_, err := c.BuildMachine()
	return err
}

// BuildMachine turns the register name lists into a reg.Machine.
func (c *Config) BuildMachine() (*reg.Machine, error) {
	if len(c.Machine.General) == 0 && len(c.Machine.Float) == 0 {
		return reg.DefaultMachine(), nil
	}
	def := reg.DefaultMachine()
	general, err := parseRegs(c.Machine.General, def.Colors(reg.General))
	if err != nil {
		return nil, err
	}
	float, err := parseRegs(c.Machine.Float, def.Colors(reg.Float))
	if err != nil {
		return nil, err
	}
	m, err := reg.NewMachine(general, float)
	return m, errors.Wrap(err, "config")
}

func parseRegs(names []string, fallback []reg.Reg) ([]reg.Reg, error) {
	if len(names) == 0 {
		return fallback, nil
	}
	out := make([]reg.Reg, 0, len(names))
	for _, n := range names {
		r, err := reg.Parse(n)
		if err != nil {
			return nil, errors.Wrap(err, "config: machine")
		}
		out = append(out, r)
	}
	return out, nil
}
