// ABOUTME: Tests for the Delve-backed memory reader
// ABOUTME: Uses a fake examiner to check word decoding, page caching and failures

package remote

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/prateek/cyclelens/introspect"
)

// fakeExaminer serves a flat byte slice mapped at base
type fakeExaminer struct {
	base      uint64
	mem       []byte
	bigEndian bool
	calls     int
}

func (f *fakeExaminer) ExamineMemory(address uint64, count int) ([]byte, bool, error) {
	f.calls++
	if address < f.base || address+uint64(count) > f.base+uint64(len(f.mem)) {
		return nil, false, errors.New("could not read memory")
	}
	off := address - f.base
	out := make([]byte, count)
	copy(out, f.mem[off:off+uint64(count)])
	return out, !f.bigEndian, nil
}

func newFake(pages int) *fakeExaminer {
	return &fakeExaminer{base: 0x10000, mem: make([]byte, pages*64)}
}

func TestReadWord(t *testing.T) {
	ex := newFake(2)
	binary.LittleEndian.PutUint64(ex.mem[8:], 0xdeadbeefcafe)
	binary.LittleEndian.PutUint64(ex.mem[60:], 0x0102030405060708)

	m, err := NewMemory(ex, Options{PageSize: 64})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}

	tests := []struct {
		name string
		addr introspect.Address
		want uint64
	}{
		{"aligned", 0x10008, 0xdeadbeefcafe},
		{"straddles pages", 0x1003c, 0x0102030405060708},
		{"zero", 0x10010, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ReadWord(tt.addr)
			if err != nil {
				t.Fatalf("ReadWord failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %#x, got %#x", tt.want, got)
			}
		})
	}

	if ex.calls != 2 {
		t.Errorf("Expected one fetch per page, got %d", ex.calls)
	}
	hits, misses := m.CacheStats()
	if misses != 2 || hits == 0 {
		t.Errorf("Expected 2 misses and some hits, got %d hits %d misses", hits, misses)
	}

	m.Purge()
	if _, err := m.ReadWord(0x10008); err != nil {
		t.Fatalf("ReadWord after purge failed: %v", err)
	}
	if ex.calls != 3 {
		t.Errorf("Expected purge to force a refetch, got %d calls", ex.calls)
	}
}

func TestReadWordPointerSize4(t *testing.T) {
	ex := newFake(1)
	binary.LittleEndian.PutUint32(ex.mem[4:], 0xfeedface)
	m, err := NewMemory(ex, Options{PointerSize: 4, PageSize: 64})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	got, err := m.ReadWord(0x10004)
	if err != nil {
		t.Fatalf("ReadWord failed: %v", err)
	}
	if got != 0xfeedface {
		t.Errorf("Expected 0xfeedface, got %#x", got)
	}
	if m.PointerSize() != 4 {
		t.Errorf("Expected pointer size 4, got %d", m.PointerSize())
	}
}

func TestReadWordBigEndian(t *testing.T) {
	ex := newFake(1)
	ex.bigEndian = true
	binary.BigEndian.PutUint64(ex.mem[16:], 0x1122334455667788)
	m, err := NewMemory(ex, Options{PageSize: 64})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	got, err := m.ReadWord(0x10010)
	if err != nil {
		t.Fatalf("ReadWord failed: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("Expected 0x1122334455667788, got %#x", got)
	}
}

func TestReadWordUnreadable(t *testing.T) {
	m, err := NewMemory(newFake(1), Options{PageSize: 64})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	if _, err := m.ReadWord(0x90000); !errors.Is(err, introspect.ErrUnreadable) {
		t.Errorf("Expected ErrUnreadable, got %v", err)
	}
}

type shortExaminer struct{}

func (shortExaminer) ExamineMemory(address uint64, count int) ([]byte, bool, error) {
	return make([]byte, count/2), true, nil
}

func TestReadWordShortRead(t *testing.T) {
	m, err := NewMemory(shortExaminer{}, Options{PageSize: 64})
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	_, err = m.ReadWord(0x10000)
	if !errors.Is(err, ErrShortRead) || !errors.Is(err, introspect.ErrUnreadable) {
		t.Errorf("Expected ErrShortRead wrapped as unreadable, got %v", err)
	}
}

func TestNewMemoryOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"32-bit", Options{PointerSize: 4}, false},
		{"bad pointer size", Options{PointerSize: 2}, true},
		{"page not power of two", Options{PageSize: 100}, true},
		{"page smaller than word", Options{PageSize: 4}, true},
		{"negative cache", Options{CachePages: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemory(newFake(1), tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	if _, _, err := Dial(addr, Options{}); err == nil {
		t.Error("Expected error dialing a closed port")
	}
}
