// Package runner sets up test environments, generates fuzzed images and
// executes the disk-image tool under test against them.
package runner

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"

	"github.com/disktools/imagefuzz/qcow2"
)

// Config controls a fuzzing run.
type Config struct {
	// Binary is the tool under test. Empty means: QEMU_IMG environment
	// variable, falling back to "qemu-img" in PATH.
	Binary string

	// Command holds the arguments placed before the image path, e.g.
	// ["check"].
	Command []string

	// Seed fixes the image generation seed when HasSeed is set; the run
	// then consists of exactly one test.
	Seed    int64
	HasSeed bool

	// KeepPassed keeps the working directories of passed tests.
	KeepPassed bool

	// Verbose also logs passed tests to the summary log.
	Verbose bool

	// Timeout bounds one invocation of the tool under test. Zero means
	// no timeout; a hung tool then blocks the whole run.
	Timeout time.Duration

	// Fields selects what to fuzz. Empty means everything.
	Fields []qcow2.Selector

	// MinFuzzPercent/MaxFuzzPercent bound the per-image fuzz
	// probability. Zero values fall back to the generator defaults.
	MinFuzzPercent int
	MaxFuzzPercent int
}

// ResolveBinary applies the binary fallback chain.
func (c *Config) ResolveBinary() string {
	if c.Binary != "" {
		return c.Binary
	}
	if env := os.Getenv("QEMU_IMG"); env != "" {
		return env
	}
	return "qemu-img"
}

// fileConfig is the on-disk JSON shape. In the fields list a 1-element
// array names a whole structure to fuzz probabilistically and a
// 2-element array names one exact field that is always fuzzed.
type fileConfig struct {
	Fields         [][]string `json:"fields"`
	MinFuzzPercent int        `json:"min_fuzz_percent"`
	MaxFuzzPercent int        `json:"max_fuzz_percent"`
}

// LoadConfigFile reads a JSON config (comments and trailing commas
// allowed) and merges it into cfg.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "cannot read config %s", path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return errors.Wrapf(err, "invalid JSON in %s", path)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return errors.Wrapf(err, "cannot decode config %s", path)
	}

	selectors, err := parseSelectors(fc.Fields)
	if err != nil {
		return errors.Wrapf(err, "invalid field selection in %s", path)
	}

	cfg.Fields = selectors
	if fc.MinFuzzPercent != 0 {
		cfg.MinFuzzPercent = fc.MinFuzzPercent
	}
	if fc.MaxFuzzPercent != 0 {
		cfg.MaxFuzzPercent = fc.MaxFuzzPercent
	}
	return nil
}

func parseSelectors(fields [][]string) ([]qcow2.Selector, error) {
	var out []qcow2.Selector
	for _, entry := range fields {
		switch len(entry) {
		case 1:
			out = append(out, qcow2.Selector{Structure: entry[0]})
		case 2:
			out = append(out, qcow2.Selector{Structure: entry[0], Field: entry[1]})
		default:
			return nil, errors.Errorf("selector %v must have 1 or 2 elements", entry)
		}
	}
	return out, nil
}
