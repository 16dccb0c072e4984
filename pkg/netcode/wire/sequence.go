package wire

// WrappingDiff returns the signed 16-bit difference a-b, wrapping around the
// 65536-value ring so that differences are always reported on their shortest
// path (in [-32768, 32767]). SequenceLessThan(a, b) holds exactly when
// WrappingDiff(a, b) < 0.
func WrappingDiff(a, b uint16) int32 {
	diff := int32(a) - int32(b)
	switch {
	case diff >= 32768:
		diff -= 65536
	case diff < -32768:
		diff += 65536
	}
	return diff
}

// SequenceGreaterThan reports whether a is ahead of b on the wrapping ring.
func SequenceGreaterThan(a, b uint16) bool {
	return WrappingDiff(a, b) > 0
}

// SequenceLessThan reports whether a is behind b on the wrapping ring.
func SequenceLessThan(a, b uint16) bool {
	return WrappingDiff(a, b) < 0
}

// SequenceLessThanOrEqual matches the entity-action reorder buffer's
// "older-than-or-equal-to last canonical" check.
func SequenceLessThanOrEqual(a, b uint16) bool {
	return a == b || SequenceLessThan(a, b)
}
