package atp

// Sequence numbers live in a 16-bit modular space and wrap around. All
// ordering comparisons must use the RFC 1982 style rule: a is "less than" b
// iff, treating the difference as a signed 16-bit quantity, (a-b) mod 2^16
// is in the upper half of the space. Equivalently, int16(a-b) < 0.
//
// The naive a <= b / a == b+1 comparisons used by the original
// implementation break the instant a connection has sent more than 2^15
// packets and seq_nr wraps; every comparison in this package goes through
// these helpers instead.

func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

func seqLessEq(a, b uint16) bool {
	return a == b || seqLess(a, b)
}

func seqGreater(a, b uint16) bool {
	return seqLess(b, a)
}

func seqGreaterEq(a, b uint16) bool {
	return a == b || seqGreater(a, b)
}

// seqDiff returns a-b as a signed distance in the modular space: positive
// when a is ahead of b, negative when behind.
func seqDiff(a, b uint16) int16 {
	return int16(a - b)
}
