// Package pipeline runs one distributed fitting job from input bundle to
// stored results.
package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/templates"
)

// Bundle is the msgpack input of a run: the template set, the default coarse
// redshift grid and the targets.
type Bundle struct {
	Templates []*templates.Template `msgpack:"templates"`
	Redshifts []float64             `msgpack:"redshifts"`
	Targets   []*spectra.Target     `msgpack:"targets"`
	Coadd     bool                  `msgpack:"coadd,omitempty"` // replace each target's spectra by their coadds
}

// Validate checks the templates and target ids.
func (b *Bundle) Validate() error {
	if len(b.Templates) == 0 {
		return errors.New("bundle has no templates")
	}
	for _, t := range b.Templates {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[spectra.TargetID]bool, len(b.Targets))
	for _, t := range b.Targets {
		if seen[t.ID] {
			return fmt.Errorf("bundle lists target %s twice", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// LoadBundle reads and validates a bundle file, computing coadds when the
// bundle asks for them.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Coadd {
		for _, t := range b.Targets {
			if err := t.ComputeCoadd(); err != nil {
				return nil, fmt.Errorf("failed to coadd target %s: %w", t.ID, err)
			}
		}
	}
	return &b, nil
}

// WriteBundle writes b to path.
func WriteBundle(path string, b *Bundle) error {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	return nil
}
