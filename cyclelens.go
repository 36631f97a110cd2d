// ABOUTME: Root package for the retain cycle detector, carrying version and package documentation
// ABOUTME: The heap graph engine lives in the detector, layout, heapscan and graph packages

// Package cyclelens finds retain cycles in the heap of a halted process.
// It scans allocator zones for live objects, extracts their strong
// references (including references held inside structs and closures) and
// runs cycle detection over the resulting reference graph.
package cyclelens

// Version is the semantic version of the cyclelens tool
const Version = "0.1.0-dev"
