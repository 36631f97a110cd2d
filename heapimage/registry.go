// ABOUTME: Registry for heap image loaders
// ABOUTME: Manages loader plugins, unwraps zstd compression and selects a loader for an image

package heapimage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNoLoader is returned when no loader can handle the image format
	ErrNoLoader = errors.New("no loader found for heap image format")
)

// zstdMagic starts every zstd frame
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// detectSize is how much of an image loaders get to look at
const detectSize = 4096

// Loader is the interface for heap image formats
type Loader interface {
	// CanLoad checks if this loader can handle the given image.
	// The reader is a preview holding only the first bytes of the image.
	CanLoad(r io.Reader) bool

	// Load reads the whole image
	Load(r io.Reader) (*Image, error)
}

// loaderRegistry holds registered loaders
type loaderRegistry struct {
	mu      sync.RWMutex
	loaders []Loader
}

// Global registry instance
var registry = &loaderRegistry{
	loaders: make([]Loader, 0),
}

// Register adds a loader to the registry
func Register(l Loader) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.loaders = append(registry.loaders, l)
}

// Open reads a heap image, transparently decompressing zstd input, and
// hands it to the first registered loader that recognizes the format
func Open(r io.Reader) (*Image, error) {
	br := bufio.NewReaderSize(r, detectSize)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		return open(bufio.NewReaderSize(dec, detectSize))
	}
	return open(br)
}

func open(br *bufio.Reader) (*Image, error) {
	preview, err := br.Peek(detectSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, loader := range registry.loaders {
		if loader.CanLoad(bytes.NewReader(preview)) {
			return loader.Load(br)
		}
	}

	return nil, ErrNoLoader
}

// OpenFile opens a heap image file
func OpenFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	im, err := Open(f)
	if err != nil {
		return nil, fmt.Errorf("loading heap image %s: %w", path, err)
	}
	return im, nil
}

// Compress writes data as a zstd stream, the compressed image form Open accepts
func Compress(w io.Writer, data []byte) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
