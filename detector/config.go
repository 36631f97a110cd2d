// ABOUTME: Detector configuration, defaults, validation and YAML loading
// ABOUTME: Carries filters, inspection toggles, cycle length bound and the layout cache

package detector

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/prateek/cyclelens/filter"
	"github.com/prateek/cyclelens/layout"
)

// ErrInvalidConfiguration is wrapped by every configuration failure
var ErrInvalidConfiguration = errors.New("invalid configuration")

const (
	// DefaultMaxCycleLength bounds rooted searches
	DefaultMaxCycleLength = 10

	// MaxCycleLengthLimit is the largest accepted bound
	MaxCycleLengthLimit = 64
)

// Config controls what a detector inspects and reports
type Config struct {
	// Filters must be non-nil; an empty slice admits every edge.
	Filters []filter.Filter `yaml:"filters"`
	// StandardFilters prepends filter.Standard() to Filters.
	StandardFilters bool `yaml:"standard_filters"`

	InspectClosures     bool `yaml:"inspect_closures"`
	InspectTimers       bool `yaml:"inspect_timers"`
	InspectAssociations bool `yaml:"inspect_associations"`
	CacheLayouts        bool `yaml:"cache_layouts"`

	// MaxCycleLength is the longest cycle reported in rooted mode.
	MaxCycleLength int `yaml:"max_cycle_length"`
	// IsaMask is applied to an object's first word before class lookup.
	// Zero keeps every bit.
	IsaMask uint64 `yaml:"isa_mask"`
	// ScratchZone names the allocator zone excluded from scans. Empty
	// means the zone the allocator flags as scratch.
	ScratchZone string `yaml:"scratch_zone"`

	// Cache holds computed layouts across passes.
	Cache *layout.Cache `yaml:"-"`
}

// DefaultConfig inspects everything with no filters and a fresh cache
func DefaultConfig() Config {
	return Config{
		Filters:             []filter.Filter{},
		InspectClosures:     true,
		InspectTimers:       true,
		InspectAssociations: true,
		CacheLayouts:        true,
		MaxCycleLength:      DefaultMaxCycleLength,
		Cache:               layout.NewCache(),
	}
}

// Validate checks the configuration before any scan
func (c Config) Validate() error {
	if c.Filters == nil {
		return fmt.Errorf("%w: filters are required (use an empty list for none)", ErrInvalidConfiguration)
	}
	for i, f := range c.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: filter %d: %w", ErrInvalidConfiguration, i, err)
		}
	}
	if err := validateMaxLength(c.MaxCycleLength); err != nil {
		return err
	}
	if c.Cache == nil {
		return fmt.Errorf("%w: layout cache is required", ErrInvalidConfiguration)
	}
	return nil
}

func validateMaxLength(n int) error {
	if n < 1 || n > MaxCycleLengthLimit {
		return fmt.Errorf("%w: max cycle length %d outside [1, %d]", ErrInvalidConfiguration, n, MaxCycleLengthLimit)
	}
	return nil
}

func (c Config) filters() []filter.Filter {
	if !c.StandardFilters {
		return c.Filters
	}
	return append(filter.Standard(), c.Filters...)
}

func (c Config) layoutOptions() layout.Options {
	return layout.Options{
		InspectClosures: c.InspectClosures,
		InspectTimers:   c.InspectTimers,
		CacheLayouts:    c.CacheLayouts,
	}
}

// LoadConfig reads a YAML configuration over the defaults
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: decoding YAML: %w", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// Option configures a Detector
type Option func(*Detector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for pass spans
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Detector) {
		d.tracer = tracer
	}
}
