// ABOUTME: Memory reader over a Delve debugger session attached to a halted process
// ABOUTME: Reads pages through the RPC client and keeps recently used pages in an LRU cache

// Package remote reads the memory of a halted process through Delve.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/go-delve/delve/service/rpc2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/prateek/cyclelens/introspect"
)

const (
	// DefaultPageSize is the unit memory is fetched in
	DefaultPageSize = 4096

	// DefaultCachePages bounds how many pages are kept
	DefaultCachePages = 1024
)

// ErrShortRead is wrapped when the debugger returns fewer bytes than asked
var ErrShortRead = errors.New("short memory read")

// Examiner reads raw memory. *rpc2.RPCClient satisfies it.
type Examiner interface {
	ExamineMemory(address uint64, count int) ([]byte, bool, error)
}

type page struct {
	data         []byte
	littleEndian bool
}

// Memory implements introspect.Memory over an Examiner
type Memory struct {
	examiner    Examiner
	pointerSize int
	pageSize    uint64
	pages       *lru.Cache

	hits, misses int
}

var _ introspect.Memory = (*Memory)(nil)

// Options configures a Memory
type Options struct {
	PointerSize int
	PageSize    int
	CachePages  int
}

// NewMemory wraps an examiner. Zero options take the defaults and an
// 8-byte pointer size.
func NewMemory(ex Examiner, opts Options) (*Memory, error) {
	if opts.PointerSize == 0 {
		opts.PointerSize = 8
	}
	if opts.PointerSize != 4 && opts.PointerSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", opts.PointerSize)
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < opts.PointerSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d must be a power of two of at least one word", opts.PageSize)
	}
	if opts.CachePages == 0 {
		opts.CachePages = DefaultCachePages
	}
	pages, err := lru.New(opts.CachePages)
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}
	return &Memory{
		examiner:    ex,
		pointerSize: opts.PointerSize,
		pageSize:    uint64(opts.PageSize),
		pages:       pages,
	}, nil
}

// Dial connects to a headless Delve server listening on addr
func Dial(addr string, opts Options) (*Memory, *rpc2.RPCClient, error) {
	// rpc2.NewClient exits the process when the dial fails.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to delve at %s: %w", addr, err)
	}
	client := rpc2.NewClientFromConn(conn)
	if _, err := client.GetState(); err != nil {
		client.Disconnect(false)
		return nil, nil, fmt.Errorf("connecting to delve at %s: %w", addr, err)
	}
	mem, err := NewMemory(client, opts)
	if err != nil {
		client.Disconnect(false)
		return nil, nil, err
	}
	return mem, client, nil
}

// PointerSize returns the configured word size
func (m *Memory) PointerSize() int {
	return m.pointerSize
}

// ReadWord reads one word, which may straddle two pages
func (m *Memory) ReadWord(addr introspect.Address) (uint64, error) {
	buf := make([]byte, m.pointerSize)
	littleEndian := true
	for i := 0; i < m.pointerSize; {
		a := uint64(addr) + uint64(i)
		p, err := m.page(a &^ (m.pageSize - 1))
		if err != nil {
			return 0, fmt.Errorf("read %#x: %w: %w", uint64(addr), introspect.ErrUnreadable, err)
		}
		littleEndian = p.littleEndian
		i += copy(buf[i:], p.data[a&(m.pageSize-1):])
	}

	var order binary.ByteOrder = binary.LittleEndian
	if !littleEndian {
		order = binary.BigEndian
	}
	if m.pointerSize == 4 {
		return uint64(order.Uint32(buf)), nil
	}
	return order.Uint64(buf), nil
}

// CacheStats returns page cache hits and misses
func (m *Memory) CacheStats() (hits, misses int) {
	return m.hits, m.misses
}

// Purge drops every cached page. Call it whenever the process has run.
func (m *Memory) Purge() {
	m.pages.Purge()
}

func (m *Memory) page(base uint64) (page, error) {
	if v, ok := m.pages.Get(base); ok {
		m.hits++
		return v.(page), nil
	}
	m.misses++

	data, littleEndian, err := m.examiner.ExamineMemory(base, int(m.pageSize))
	if err != nil {
		return page{}, err
	}
	if uint64(len(data)) < m.pageSize {
		return page{}, fmt.Errorf("%w: got %d of %d bytes at %#x", ErrShortRead, len(data), m.pageSize, base)
	}
	p := page{data: data, littleEndian: littleEndian}
	m.pages.Add(base, p)
	return p, nil
}
