// Package comm provides blocking collective operations between the workers of
// a distributed run.
//
// Every collective (Bcast, Allgather) must be called by every rank of the group
// in the same order; a rank that skips one leaves the others waiting. Payloads
// are opaque byte slices, and BcastValue / AllgatherValues encode Go values with
// msgpack so each rank receives its own copy.
//
// Two transports are provided. NewGroup wires ranks living in one process
// (goroutines), and Hub with Dial relays collectives between processes over
// websockets. Both share the same round bookkeeping.
package comm
