// Package shm provides named shared-memory segments backed by memory-mapped files.
//
// A segment stores a set of named numeric arrays in one file, normally under
// /dev/shm, so that several worker processes on the same host can map the same
// spectral data instead of holding a private copy each. The creator fills the
// segment once; any process that knows the segment path can Open it and obtain
// zero-copy views of the arrays.
//
// # Layout
//
//	[0:8)    magic "ZFITSHM1"
//	[8:16)   header offset (little endian uint64)
//	[16:24)  header length (little endian uint64)
//	[24:...) arrays, each 8-byte aligned, native byte order
//	[...]    msgpack header describing every array
//
// Views returned by a segment alias the mapping. They stay valid until Close or
// Remove is called on that segment handle; using them afterwards faults.
package shm
