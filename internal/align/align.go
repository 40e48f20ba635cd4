// Package align contains utilities for aligning file offsets and addresses
package align

// Address aligns the given offset or address up to a multiple of alignment.
// A zero alignment leaves the value untouched.
func Address[N uint32 | uint64 | int](addr N, alignment N) N {
	if alignment == 0 {
		return addr
	}

	return ((addr + alignment - 1) / alignment) * alignment
}
