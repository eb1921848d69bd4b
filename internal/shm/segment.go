package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

const (
	magic       = "ZFITSHM1"
	preambleLen = 24
	wordSize    = 8
)

// Kind is the element type of a stored array.
type Kind uint8

const (
	// Float64 arrays hold IEEE-754 doubles.
	Float64 Kind = iota + 1
	// Int64 arrays hold signed 64-bit integers.
	Int64
)

// ErrNotFound is returned when a segment has no array with the requested name.
var ErrNotFound = errors.New("array not found in segment")

// ErrClosed is returned when a closed segment is accessed.
var ErrClosed = errors.New("segment is closed")

// Array is one named array to be written into a segment.
type Array struct {
	Name   string
	Floats []float64
	Ints   []int64
	kind   Kind
}

// Floats describes a float64 array.
func Floats(name string, v []float64) Array {
	return Array{Name: name, Floats: v, kind: Float64}
}

// Ints describes an integer array.
func Ints(name string, v []int) Array {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return Array{Name: name, Ints: out, kind: Int64}
}

func (a Array) length() int {
	if a.kind == Float64 {
		return len(a.Floats)
	}
	return len(a.Ints)
}

type arrayHeader struct {
	Name   string `msgpack:"name"`
	Kind   Kind   `msgpack:"kind"`
	Len    int    `msgpack:"len"`
	Offset int    `msgpack:"offset"`
}

type header struct {
	Arrays []arrayHeader `msgpack:"arrays"`
}

// Store creates segments inside one directory.
type Store struct {
	dir string
}

// DefaultDir returns /dev/shm when it exists and the system temp dir otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shared memory dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding the segments.
func (s *Store) Dir() string {
	return s.dir
}

// Sweep removes segment files last modified before cutoff. Segments of
// crashed runs are never removed otherwise.
func (s *Store) Sweep(cutoff time.Time) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "zfit-*.shm"))
	if err != nil {
		return 0, fmt.Errorf("failed to list segments: %w", err)
	}
	removed := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove segment %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}

// Create writes the arrays into a new segment and returns it mapped.
func (s *Store) Create(arrays ...Array) (*Segment, error) {
	hdr := header{Arrays: make([]arrayHeader, 0, len(arrays))}
	offset := preambleLen
	for _, a := range arrays {
		if a.kind == 0 {
			return nil, fmt.Errorf("array %q has no kind", a.Name)
		}
		n := a.length()
		hdr.Arrays = append(hdr.Arrays, arrayHeader{Name: a.Name, Kind: a.kind, Len: n, Offset: offset})
		offset += n * wordSize
	}
	hdrBytes, err := msgpack.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment header: %w", err)
	}
	size := offset + len(hdrBytes)

	path := filepath.Join(s.dir, "zfit-"+uuid.NewString()+".shm")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to size segment: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}

	copy(data[0:8], magic)
	binary.LittleEndian.PutUint64(data[8:16], uint64(offset))
	binary.LittleEndian.PutUint64(data[16:24], uint64(len(hdrBytes)))
	copy(data[offset:], hdrBytes)

	seg := newSegment(path, data, hdr)
	for i, a := range arrays {
		h := hdr.Arrays[i]
		switch a.kind {
		case Float64:
			copy(floatView(data, h), a.Floats)
		case Int64:
			copy(intView(data, h), a.Ints)
		}
	}
	return seg, nil
}

// Segment is a mapped shared-memory segment.
type Segment struct {
	path  string
	mu    sync.Mutex
	data  []byte
	index map[string]arrayHeader
}

func newSegment(path string, data []byte, hdr header) *Segment {
	index := make(map[string]arrayHeader, len(hdr.Arrays))
	for _, h := range hdr.Arrays {
		index[h.Name] = h
	}
	return &Segment{path: path, data: data, index: index}
}

// Open maps an existing segment file.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment: %w", err)
	}
	if info.Size() < preambleLen {
		return nil, fmt.Errorf("segment %s is truncated", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}
	if string(data[0:8]) != magic {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("segment %s has bad magic", path)
	}

	hdrOff := binary.LittleEndian.Uint64(data[8:16])
	hdrLen := binary.LittleEndian.Uint64(data[16:24])
	if hdrOff+hdrLen > uint64(len(data)) {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("segment %s header out of bounds", path)
	}
	var hdr header
	if err := msgpack.Unmarshal(data[hdrOff:hdrOff+hdrLen], &hdr); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("failed to decode segment header: %w", err)
	}
	return newSegment(path, data, hdr), nil
}

// Path returns the segment file path other processes can Open.
func (s *Segment) Path() string {
	return s.path
}

// Floats returns a zero-copy view of a float64 array.
func (s *Segment) Floats(name string) ([]float64, error) {
	h, err := s.lookup(name, Float64)
	if err != nil {
		return nil, err
	}
	return floatView(s.data, h), nil
}

// Ints returns a view of an integer array. On 64-bit platforms no copy is made.
func (s *Segment) Ints(name string) ([]int, error) {
	h, err := s.lookup(name, Int64)
	if err != nil {
		return nil, err
	}
	raw := intView(s.data, h)
	if len(raw) == 0 {
		return []int{}, nil
	}
	if strconv.IntSize == 64 {
		return unsafe.Slice((*int)(unsafe.Pointer(&raw[0])), len(raw)), nil
	}
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out, nil
}

func (s *Segment) lookup(name string, kind Kind) (arrayHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return arrayHeader{}, ErrClosed
	}
	h, ok := s.index[name]
	if !ok {
		return arrayHeader{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if h.Kind != kind {
		return arrayHeader{}, fmt.Errorf("array %s has kind %d, want %d", name, h.Kind, kind)
	}
	return h, nil
}

// Close unmaps the segment. The backing file stays available to other processes.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("failed to unmap segment: %w", err)
	}
	return nil
}

// Remove unmaps the segment and deletes its backing file.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment: %w", err)
	}
	return nil
}

func floatView(data []byte, h arrayHeader) []float64 {
	if h.Len == 0 {
		return []float64{}
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[h.Offset])), h.Len)
}

func intView(data []byte, h arrayHeader) []int64 {
	if h.Len == 0 {
		return []int64{}
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&data[h.Offset])), h.Len)
}
