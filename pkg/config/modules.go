package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"ratelimit-engine/pkg/ratelimit"
)

// ModuleSpec is one entry of the module file.
//
// Durations use Go syntax ("60s", "15m").
type ModuleSpec struct {
	MaxRequests   int           `yaml:"max_requests"`
	Window        time.Duration `yaml:"window"`
	Block         time.Duration `yaml:"block"`
	WarnThreshold int           `yaml:"warn_threshold"`
	Mode          string        `yaml:"mode"`
	ExtendBlock   bool          `yaml:"extend_block"`
}

// ModuleFile is the YAML document pointed to by RATELIMIT_MODULES_FILE:
//
//	modules:
//	  chat:
//	    max_requests: 30
//	    window: 60s
//	    warn_threshold: 5
//	  auth:
//	    max_requests: 5
//	    window: 15m
//	    block: 30m
type ModuleFile struct {
	Modules map[string]ModuleSpec `yaml:"modules"`
}

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Config converts the entry to a validated RateLimitConfig with defaults applied.
func (s ModuleSpec) Config() (ratelimit.RateLimitConfig, error) {
	cfg := ratelimit.RateLimitConfig{
		MaxRequests:   s.MaxRequests,
		Window:        s.Window,
		BlockDuration: s.Block,
		WarnThreshold: s.WarnThreshold,
		Mode:          ratelimit.Mode(s.Mode),
		ExtendBlock:   s.ExtendBlock,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ratelimit.RateLimitConfig{}, err
	}
	return cfg, nil
}

// ParseModules decodes a module file. Unknown keys, invalid module names and
// invalid limits are rejected; errors wrap ratelimit.ErrInvalidConfig.
func ParseModules(r io.Reader) (map[string]ratelimit.RateLimitConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file ModuleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: module file is empty", ratelimit.ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: decode module file: %v", ratelimit.ErrInvalidConfig, err)
	}
	if len(file.Modules) == 0 {
		return nil, fmt.Errorf("%w: no modules defined", ratelimit.ErrInvalidConfig)
	}

	modules := make(map[string]ratelimit.RateLimitConfig, len(file.Modules))
	for _, name := range sortedKeys(file.Modules) {
		if !moduleNamePattern.MatchString(name) {
			return nil, fmt.Errorf("%w: module name %q must match %s", ratelimit.ErrInvalidConfig, name, moduleNamePattern)
		}
		cfg, err := file.Modules[name].Config()
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", name, err)
		}
		modules[name] = cfg
	}
	return modules, nil
}

// LoadModulesFile reads and parses the module file at path.
func LoadModulesFile(path string) (map[string]ratelimit.RateLimitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module file: %w", err)
	}
	return ParseModules(bytes.NewReader(data))
}

// DefaultModules is used when no module file is configured.
func DefaultModules() map[string]ratelimit.RateLimitConfig {
	return map[string]ratelimit.RateLimitConfig{
		"api": {
			MaxRequests:   100,
			Window:        time.Minute,
			BlockDuration: time.Minute,
			WarnThreshold: 10,
			Mode:          ratelimit.ModeEnforce,
		},
		"auth": {
			MaxRequests:   5,
			Window:        15 * time.Minute,
			BlockDuration: 30 * time.Minute,
			WarnThreshold: 1,
			Mode:          ratelimit.ModeEnforce,
		},
	}
}

func sortedKeys(m map[string]ModuleSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
