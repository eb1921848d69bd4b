// Package spectra holds the observational data model: a Spectrum is one
// exposure on one wavelength grid together with its resolution operator, and a
// Target is every Spectrum observed for one astronomical object.
//
// A Spectrum is either unpacked, with its arrays in ordinary process memory, or
// packed into a shared-memory segment so that a pool of workers can use the same
// arrays without copying them. Numeric accessors panic on a packed spectrum;
// call Unpack first. Both transitions are idempotent.
package spectra
