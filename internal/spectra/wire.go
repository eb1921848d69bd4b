package spectra

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/zfit/internal/shm"
)

// spectrumWire is the msgpack form of a Spectrum. A packed spectrum travels as
// its segment path only, so the receiver maps the same memory.
type spectrumWire struct {
	NWave    int         `msgpack:"nwave"`
	WaveHash uint64      `msgpack:"wavehash"`
	Segment  string      `msgpack:"segment,omitempty"`
	Wave     []float64   `msgpack:"wave,omitempty"`
	Flux     []float64   `msgpack:"flux,omitempty"`
	IVar     []float64   `msgpack:"ivar,omitempty"`
	Rows     int         `msgpack:"rows,omitempty"`
	Cols     int         `msgpack:"cols,omitempty"`
	Offsets  []int       `msgpack:"offsets,omitempty"`
	Bands    [][]float64 `msgpack:"bands,omitempty"`
}

var (
	_ msgpack.CustomEncoder = (*Spectrum)(nil)
	_ msgpack.CustomDecoder = (*Spectrum)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (s *Spectrum) EncodeMsgpack(enc *msgpack.Encoder) error {
	s.mu.Lock()
	w := spectrumWire{NWave: s.nwave, WaveHash: s.wavehash}
	if s.packed {
		w.Segment = s.seg.Path()
	} else {
		w.Wave, w.Flux, w.IVar = s.wave, s.flux, s.ivar
		w.Rows, w.Cols = s.r.Rows(), s.r.Cols()
		w.Offsets, w.Bands = s.r.Offsets(), s.r.Bands()
	}
	s.mu.Unlock()
	return enc.Encode(&w)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (s *Spectrum) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w spectrumWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	if w.Segment != "" {
		seg, err := shm.Open(w.Segment)
		if err != nil {
			return fmt.Errorf("failed to attach packed spectrum: %w", err)
		}
		s.nwave, s.wavehash = w.NWave, w.WaveHash
		s.seg, s.packed = seg, true
		return nil
	}
	r, err := NewResolution(w.Rows, w.Cols, w.Offsets, w.Bands)
	if err != nil {
		return fmt.Errorf("failed to decode resolution: %w", err)
	}
	decoded, err := NewSpectrum(w.Wave, w.Flux, w.IVar, r)
	if err != nil {
		return fmt.Errorf("failed to decode spectrum: %w", err)
	}
	s.nwave, s.wavehash = decoded.nwave, decoded.wavehash
	s.wave, s.flux, s.ivar, s.r = decoded.wave, decoded.flux, decoded.ivar, decoded.r
	return nil
}

// EncodeTarget serializes a target for broadcast or storage.
func EncodeTarget(t *Target) ([]byte, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode target %s: %w", t.ID, err)
	}
	return b, nil
}

// DecodeTarget restores a target produced by EncodeTarget.
func DecodeTarget(b []byte) (*Target, error) {
	var t Target
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("failed to decode target: %w", err)
	}
	if t.Meta == nil {
		t.Meta = map[string]any{}
	}
	return &t, nil
}
