package atp

import "testing"

func TestSeqWraparound(t *testing.T) {
	// 0xFFFF is "less than" 0x0000 just past the wraparound boundary.
	if !seqLess(0xFFFF, 0x0000) {
		t.Error("0xFFFF should be less than 0x0000 across wraparound")
	}
	if seqLess(0x0000, 0xFFFF) {
		t.Error("0x0000 should not be less than 0xFFFF across wraparound")
	}
}

func TestSeqHalfSpaceBoundary(t *testing.T) {
	// A difference of exactly 2^15 is the boundary the naive comparison
	// gets wrong; anything strictly within the upper half counts as "less".
	if !seqLess(0x8001, 0) {
		t.Error("0x8001 should be less than 0 (0x8001-0 lies just past the half-space line)")
	}
}

func TestSeqLessEqAndGreaterEq(t *testing.T) {
	if !seqLessEq(5, 5) {
		t.Error("seqLessEq should hold for equal values")
	}
	if !seqGreaterEq(5, 5) {
		t.Error("seqGreaterEq should hold for equal values")
	}
	if !seqGreater(6, 5) {
		t.Error("6 should be greater than 5")
	}
	if seqGreater(5, 6) {
		t.Error("5 should not be greater than 6")
	}
}

func TestSeqDiff(t *testing.T) {
	if seqDiff(10, 7) != 3 {
		t.Errorf("seqDiff(10, 7) = %d, want 3", seqDiff(10, 7))
	}
	if seqDiff(2, 0xFFFE) != 4 {
		t.Errorf("seqDiff(2, 0xFFFE) = %d, want 4", seqDiff(2, 0xFFFE))
	}
}

func TestAckNrAdvanceIsStrictlyOne(t *testing.T) {
	var ackNr uint16 = 0x1000
	if !seqLessEq(0x1000, ackNr) {
		t.Error("a packet equal to ack_nr must be droppable as duplicate")
	}
	if seqLessEq(0x1001, ackNr) {
		t.Error("the next expected sequence number must not be dropped as stale")
	}
}
