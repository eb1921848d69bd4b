package spectra

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/aristath/zfit/internal/shm"
)

// Spectrum is a single observation: wavelength grid, flux, inverse variance and
// resolution operator.
type Spectrum struct {
	nwave    int
	wavehash uint64

	mu     sync.Mutex
	packed bool
	wave   []float64
	flux   []float64
	ivar   []float64
	r      *Resolution
	seg    *shm.Segment
	owner  bool // seg was created here, not attached from a decoded message
}

// NewSpectrum validates and wraps the arrays. wave must be strictly increasing
// and hold at least two samples; ivar must be non-negative.
func NewSpectrum(wave, flux, ivar []float64, r *Resolution) (*Spectrum, error) {
	n := len(wave)
	if n < 2 {
		return nil, fmt.Errorf("spectrum needs at least 2 pixels, got %d", n)
	}
	if len(flux) != n || len(ivar) != n {
		return nil, fmt.Errorf("%w: wave %d, flux %d, ivar %d", ErrLengthMismatch, n, len(flux), len(ivar))
	}
	for i := 1; i < n; i++ {
		if !(wave[i] > wave[i-1]) {
			return nil, fmt.Errorf("wavelength grid not strictly increasing at pixel %d", i)
		}
	}
	for i, v := range ivar {
		if v < 0 {
			return nil, fmt.Errorf("negative inverse variance at pixel %d", i)
		}
	}
	if r == nil {
		r = Identity(n)
	}
	if r.Rows() != n {
		return nil, fmt.Errorf("%w: resolution has %d rows for %d pixels", ErrLengthMismatch, r.Rows(), n)
	}
	return &Spectrum{
		nwave:    n,
		wavehash: WaveHash(wave),
		wave:     wave,
		flux:     flux,
		ivar:     ivar,
		r:        r,
	}, nil
}

// WaveHash fingerprints a wavelength grid from its length and four samples.
// It is fast, not collision-proof.
func WaveHash(wave []float64) uint64 {
	n := len(wave)
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
	if n == 0 {
		return h.Sum64()
	}
	for _, i := range []int{0, min(1, n-1), max(n-2, 0), n - 1} {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(wave[i]))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// NWave returns the number of pixels. It is valid in both states.
func (s *Spectrum) NWave() int { return s.nwave }

// WaveHash returns the wavelength grid fingerprint. It is valid in both states.
func (s *Spectrum) WaveHash() uint64 { return s.wavehash }

// Packed reports whether the arrays currently live only in shared memory.
func (s *Spectrum) Packed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packed
}

// SegmentPath returns the shared-memory segment path, or "" if never packed.
func (s *Spectrum) SegmentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return ""
	}
	return s.seg.Path()
}

func (s *Spectrum) mustUnpacked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packed {
		panic("spectra: numeric access to a packed spectrum; call Unpack first")
	}
}

// Wave returns the wavelength grid.
func (s *Spectrum) Wave() []float64 { s.mustUnpacked(); return s.wave }

// Flux returns the flux.
func (s *Spectrum) Flux() []float64 { s.mustUnpacked(); return s.flux }

// IVar returns the inverse variance.
func (s *Spectrum) IVar() []float64 { s.mustUnpacked(); return s.ivar }

// R returns the resolution operator.
func (s *Spectrum) R() *Resolution { s.mustUnpacked(); return s.r }

// Pack moves the arrays into a shared-memory segment created in store and drops
// the process-local references. A spectrum that already owns a segment reuses it.
// Packing a packed spectrum is a no-op.
func (s *Spectrum) Pack(store *shm.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packed {
		return nil
	}
	if s.seg == nil {
		if store == nil {
			return ErrNoStore
		}
		csr := s.r.CSR()
		seg, err := store.Create(
			shm.Floats("wave", s.wave),
			shm.Floats("flux", s.flux),
			shm.Floats("ivar", s.ivar),
			shm.Floats("R.data", s.r.flatBands()),
			shm.Ints("R.offsets", s.r.Offsets()),
			shm.Ints("R.shape", []int{s.r.Rows(), s.r.Cols()}),
			shm.Floats("Rcsr.data", csr.Data),
			shm.Ints("Rcsr.indices", csr.Indices),
			shm.Ints("Rcsr.indptr", csr.Indptr),
			shm.Ints("Rcsr.shape", []int{csr.Rows, csr.Cols}),
		)
		if err != nil {
			return fmt.Errorf("failed to pack spectrum: %w", err)
		}
		s.seg, s.owner = seg, true
	}
	s.wave, s.flux, s.ivar, s.r = nil, nil, nil, nil
	s.packed = true
	return nil
}

// Unpack restores the arrays as views of the shared-memory segment. Unpacking
// an unpacked spectrum is a no-op.
func (s *Spectrum) Unpack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.packed {
		return nil
	}
	if err := s.restoreLocked(); err != nil {
		return fmt.Errorf("failed to unpack spectrum: %w", err)
	}
	s.packed = false
	return nil
}

func (s *Spectrum) restoreLocked() error {
	seg := s.seg
	var err error
	if s.wave, err = seg.Floats("wave"); err != nil {
		return err
	}
	if s.flux, err = seg.Floats("flux"); err != nil {
		return err
	}
	if s.ivar, err = seg.Floats("ivar"); err != nil {
		return err
	}
	rdata, err := seg.Floats("R.data")
	if err != nil {
		return err
	}
	offsets, err := seg.Ints("R.offsets")
	if err != nil {
		return err
	}
	shape, err := seg.Ints("R.shape")
	if err != nil {
		return err
	}
	var csr CSR
	if csr.Data, err = seg.Floats("Rcsr.data"); err != nil {
		return err
	}
	if csr.Indices, err = seg.Ints("Rcsr.indices"); err != nil {
		return err
	}
	if csr.Indptr, err = seg.Ints("Rcsr.indptr"); err != nil {
		return err
	}
	cshape, err := seg.Ints("Rcsr.shape")
	if err != nil {
		return err
	}
	if len(shape) != 2 || len(cshape) != 2 {
		return fmt.Errorf("%w: bad resolution shape", ErrLengthMismatch)
	}
	csr.Rows, csr.Cols = cshape[0], cshape[1]
	s.r, err = restoreResolution(shape[0], shape[1], offsets, rdata, csr)
	return err
}

// Release copies the arrays back into process memory and unmaps the segment.
// The segment file is deleted only by the spectrum that created it; a spectrum
// decoded from another process behaves as Detach. The spectrum is left unpacked.
func (s *Spectrum) Release() error {
	return s.detach(true)
}

// Detach copies the arrays back into process memory and unmaps the segment
// without deleting its file, leaving it to the process that created it.
func (s *Spectrum) Detach() error {
	return s.detach(false)
}

func (s *Spectrum) detach(remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	if s.packed {
		if err := s.restoreLocked(); err != nil {
			return fmt.Errorf("failed to release spectrum: %w", err)
		}
		s.packed = false
	}
	s.wave = append([]float64(nil), s.wave...)
	s.flux = append([]float64(nil), s.flux...)
	s.ivar = append([]float64(nil), s.ivar...)
	r, err := NewResolution(s.r.Rows(), s.r.Cols(), append([]int(nil), s.r.Offsets()...), s.r.Bands())
	if err != nil {
		return fmt.Errorf("failed to release spectrum: %w", err)
	}
	s.r = r
	seg, owner := s.seg, s.owner
	s.seg, s.owner = nil, false
	if remove && owner {
		return seg.Remove()
	}
	return seg.Close()
}
