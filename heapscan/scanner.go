// ABOUTME: Enumerates allocator zones and yields their in-use memory ranges
// ABOUTME: Skips the scratch zone and any zone whose introspector fails

// Package heapscan finds candidate objects in allocator memory and decides
// which of them are legitimate managed objects.
package heapscan

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prateek/cyclelens/introspect"
)

// ErrZoneIntrospection is wrapped when a zone cannot be enumerated
var ErrZoneIntrospection = errors.New("zone introspection failed")

// ScanStats counts what a scan saw
type ScanStats struct {
	Zones        int
	SkippedZones int
	Ranges       int
	// Errors holds one ErrZoneIntrospection-wrapped error per skipped zone.
	Errors []error
}

// Scanner walks every zone of an allocator except the scratch zone
type Scanner struct {
	Allocator introspect.Allocator
	// ScratchZone names the zone excluded from scanning. Empty means the
	// zone the allocator flags as scratch.
	ScratchZone string
	Logger      *slog.Logger
}

// NewScanner creates a scanner over alloc
func NewScanner(alloc introspect.Allocator, scratchZone string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		Allocator:   alloc,
		ScratchZone: scratchZone,
		Logger:      logger.With("component", "heapscan"),
	}
}

func (s *Scanner) isScratch(z introspect.Zone) bool {
	if s.ScratchZone != "" {
		return z.Name == s.ScratchZone
	}
	return z.Scratch
}

// Scan calls visit once per in-use range. A failing zone is logged,
// counted and skipped; only failing to list zones is an error.
func (s *Scanner) Scan(visit func(introspect.Zone, introspect.Range)) (ScanStats, error) {
	var stats ScanStats
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	zones, err := s.Allocator.Zones()
	if err != nil {
		return stats, fmt.Errorf("listing zones: %w: %w", ErrZoneIntrospection, err)
	}

	for _, z := range zones {
		if s.isScratch(z) {
			logger.Debug("scan.zone_excluded", "zone", z.Name)
			continue
		}

		var pending []introspect.Range
		if err := s.Allocator.EnumerateRanges(z, func(r introspect.Range) {
			pending = append(pending, r)
		}); err != nil {
			stats.SkippedZones++
			stats.Errors = append(stats.Errors, fmt.Errorf("zone %s: %w: %w", z.Name, ErrZoneIntrospection, err))
			logger.Warn("scan.zone_skipped", "zone", z.Name, "error", err)
			continue
		}

		// Ranges are delivered only after the zone enumerated cleanly, so a
		// zone failing halfway contributes nothing.
		stats.Zones++
		for _, r := range pending {
			stats.Ranges++
			visit(z, r)
		}
	}

	logger.Debug("scan.done", "zones", stats.Zones, "skipped", stats.SkippedZones, "ranges", stats.Ranges)
	return stats, nil
}
