// Completion: 100% - Configuration complete

// Package config gathers bridge settings from defaults, an optional TOML
// file, A64BRIDGE_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "A64BRIDGE_"

// Environment variable names.
const (
	EnvVerbose    = EnvPrefix + "VERBOSE"
	EnvPrintRegs  = EnvPrefix + "PRINT_REGS"
	EnvTrace      = EnvPrefix + "TRACE"
	EnvStackSize  = EnvPrefix + "STACK_SIZE"
	EnvPageZero   = EnvPrefix + "PAGEZERO"
	EnvSignatures = EnvPrefix + "SIGNATURES"
	EnvNoColor    = EnvPrefix + "NO_COLOR"
	EnvConfig     = EnvPrefix + "CONFIG"
)

// DefaultPageZero is the size of the always-fatal region at address 0.
const DefaultPageZero = "4KiB"

// Config holds the bridge settings. Sizes are human readable strings such
// as "8MiB"; use StackBytes and PageZeroBytes for their values.
type Config struct {
	Verbose    bool   `toml:"verbose"`
	PrintRegs  bool   `toml:"print_regs"`
	Trace      bool   `toml:"trace"`
	StackSize  string `toml:"stack_size"`
	PageZero   string `toml:"pagezero"`
	Signatures string `toml:"signatures"`
	NoColor    bool   `toml:"no_color"`
}

// Default returns the built-in settings. An empty StackSize means "derive
// from the thread stack limit".
func Default() *Config {
	return &Config{PageZero: DefaultPageZero}
}

// Load builds a Config from defaults, the file at path (skipped when path
// is empty) and the environment. A missing file named only by
// A64BRIDGE_CONFIG is an error like any other.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		path = env.Str(EnvConfig)
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile overlays the settings present in a TOML file.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(err, "config file %s", path)
		}
		return errors.Wrapf(err, "decoding config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("%s: unknown settings %v", path, undecoded)
	}
	return nil
}

// ApplyEnv overlays the A64BRIDGE_* variables that are set.
func (c *Config) ApplyEnv() {
	if env.Has(EnvVerbose) {
		c.Verbose = env.Bool(EnvVerbose)
	}
	if env.Has(EnvPrintRegs) {
		c.PrintRegs = env.Bool(EnvPrintRegs)
	}
	if env.Has(EnvTrace) {
		c.Trace = env.Bool(EnvTrace)
	}
	if env.Has(EnvNoColor) || env.Has("NO_COLOR") {
		c.NoColor = true
	}
	c.StackSize = env.Str(EnvStackSize, c.StackSize)
	c.PageZero = env.Str(EnvPageZero, c.PageZero)
	c.Signatures = env.Str(EnvSignatures, c.Signatures)
}

// Flag names shared by the CLI.
const (
	FlagVerbose    = "verbose"
	FlagPrintRegs  = "print-regs"
	FlagTrace      = "trace"
	FlagStackSize  = "stack-size"
	FlagPageZero   = "pagezero"
	FlagSignatures = "signatures"
	FlagNoColor    = "no-color"
	FlagConfig     = "config"
)

// Flags declares the command line flags on fs.
func Flags(fs *pflag.FlagSet) {
	fs.StringP(FlagConfig, "c", "", "TOML config file (env "+EnvConfig+")")
	fs.BoolP(FlagVerbose, "v", false, "debug logging (env "+EnvVerbose+")")
	fs.Bool(FlagPrintRegs, false, "dump registers at every trap (env "+EnvPrintRegs+")")
	fs.Bool(FlagTrace, false, "log every guest instruction (env "+EnvTrace+")")
	fs.String(FlagStackSize, "", "guest stack size, e.g. 8MiB (env "+EnvStackSize+")")
	fs.String(FlagPageZero, "", "size of the fatal region at address 0 (env "+EnvPageZero+")")
	fs.StringP(FlagSignatures, "s", "", "TOML signature table (env "+EnvSignatures+")")
	fs.Bool(FlagNoColor, false, "disable coloured output (env "+EnvNoColor+")")
}

// ApplyFlags overlays the flags the user set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagVerbose:
			c.Verbose, err = fs.GetBool(f.Name)
		case FlagPrintRegs:
			c.PrintRegs, err = fs.GetBool(f.Name)
		case FlagTrace:
			c.Trace, err = fs.GetBool(f.Name)
		case FlagNoColor:
			c.NoColor, err = fs.GetBool(f.Name)
		case FlagStackSize:
			c.StackSize = f.Value.String()
		case FlagPageZero:
			c.PageZero = f.Value.String()
		case FlagSignatures:
			c.Signatures = f.Value.String()
		}
	})
	if err != nil {
		return err
	}
	return c.Validate()
}

// FromFlags is the full precedence chain for a command: defaults, the
// config file named by --config or A64BRIDGE_CONFIG, environment, flags.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	path, _ := fs.GetString(FlagConfig)
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyFlags(fs); err != nil {
		return nil, err
	}
	return c, nil
}

func parseSize(name, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, s)
	}
	if n < 0 {
		return 0, errors.Errorf("invalid %s %q: negative", name, s)
	}
	return uint64(n), nil
}

// Validate checks that the size settings parse.
func (c *Config) Validate() error {
	if _, err := c.StackBytes(); err != nil {
		return err
	}
	_, err := c.PageZeroBytes()
	return err
}

// StackBytes is the configured guest stack size, or 0 when unset.
func (c *Config) StackBytes() (uint64, error) {
	return parseSize("stack size", c.StackSize)
}

// PageZeroBytes is the size of the always-fatal region at address 0.
func (c *Config) PageZeroBytes() (uint64, error) {
	return parseSize("page zero size", c.PageZero)
}
