package orchestrate

import (
	"errors"
	"fmt"
	"runtime"
)

// Config holds the orchestration core's configuration. The enumerated
// options below are the only recognized keys — no ambient globals.
type Config struct {
	MaxIterations     int      `toml:"max_iterations"`
	UnproductiveLimit int      `toml:"unproductive_limit"`
	MaxParallelTools  int      `toml:"max_parallel_tools"`
	ReadOnlyTools     []string `toml:"read_only_tools"`
	FallbackEnabled   bool     `toml:"fallback_enabled"`
	AllowedTools      []string `toml:"allowed_tools"`
	YoloMode          bool     `toml:"yolo_mode"`
	ShowThoughts      bool     `toml:"show_thoughts"`

	// RecitationInterval controls how often a goal-reminder prompt is
	// injected into the running history (every N iterations). 0 disables
	// it, which is the default: the core's iteration protocol runs exactly
	// as described with no recitation at all.
	RecitationInterval int `toml:"recitation_interval"`
}

// DefaultConfig returns the core's baseline configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     15,
		UnproductiveLimit: 3,
		MaxParallelTools:  runtime.NumCPU(),
		FallbackEnabled:   true,
	}
}

// Validate returns an error if the configuration is invalid, joining every
// field-level problem found (mirrors internal/config.Config.Validate).
func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations <= 0 {
		errs = append(errs, errors.New("max_iterations must be positive"))
	}
	if c.UnproductiveLimit <= 0 {
		errs = append(errs, errors.New("unproductive_limit must be positive"))
	}
	if c.MaxParallelTools <= 0 {
		errs = append(errs, fmt.Errorf("max_parallel_tools must be positive, got %d", c.MaxParallelTools))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// readOnlySet and allowedSet adapt the config's string slices into the
// lookup sets the Dispatcher and authorization checks want.
func (c Config) readOnlySet() map[string]struct{} {
	return toSet(c.ReadOnlyTools)
}

func (c Config) allowedSet() map[string]struct{} {
	return toSet(c.AllowedTools)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
