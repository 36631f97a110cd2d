// ABOUTME: JSON loader for heap images
// ABOUTME: Reads the document format with classes, zones, objects, closures and associations

package heapimage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLoader loads JSON heap images
type JSONLoader struct{}

// CanLoad checks if the input looks like a JSON heap image
func (l *JSONLoader) CanLoad(r io.Reader) bool {
	buf := make([]byte, detectSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	buf = bytes.TrimSpace(buf[:n])
	if len(buf) == 0 || buf[0] != '{' {
		return false
	}

	// The preview may be cut mid-document, so look for a top-level key
	// instead of decoding.
	for _, key := range []string{`"classes"`, `"zones"`, `"pointer_size"`} {
		if bytes.Contains(buf, []byte(key)) {
			return true
		}
	}
	return false
}

// Load decodes the JSON image and builds it
func (l *JSONLoader) Load(r io.Reader) (*Image, error) {
	var doc document

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return doc.build()
}

func init() {
	Register(&JSONLoader{})
}
