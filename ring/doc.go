// Package ring implements the software side of a transmit descriptor ring.
//
// A ring is a fixed, power of 2 sized array of [Buffer] slots indexed by three
// free running 32-bit counters:
//
//   - the insert counter, advanced by the producer for every slot filled,
//   - the write counter, advanced by the producer when filled slots are pushed
//     to the device,
//   - the read counter, advanced by the completion path when the device is
//     done with slots.
//
// The producer and the completion path may run concurrently. Each counter has
// a single writer so no lock is shared between them.
package ring
