// ABOUTME: YAML loader for heap images
// ABOUTME: Same document format as the JSON loader, friendlier for hand-written fixtures

package heapimage

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLLoader loads YAML heap images
type YAMLLoader struct{}

// CanLoad checks for a top-level document key at the start of a line
func (l *YAMLLoader) CanLoad(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		for _, key := range []string{"classes:", "zones:", "pointer_size:"} {
			if strings.HasPrefix(line, key) {
				return true
			}
		}
	}
	return false
}

// Load decodes the YAML image and builds it
func (l *YAMLLoader) Load(r io.Reader) (*Image, error) {
	var doc document

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}

	return doc.build()
}

func init() {
	Register(&YAMLLoader{})
}
