package discover

// hash is a fixed-size digest used as the distance metric between two
// node identities, the usual fixed-width digest form used in
// p2p/discover's logdist/distcmp (distance_test.go).
type hash [32]byte

// logdist returns the logarithmic (bit length of the XOR) distance
// between a and b: the index of the highest bit at which they differ,
// plus one, or 0 if they are equal.
func logdist(a, b hash) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// distcmp compares the distances of a and b to target, returning -1, 0, 1
// the way bytes.Compare does.
func distcmp(target, a, b hash) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
