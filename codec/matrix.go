package codec

import (
	"fmt"
)

// matrix is a dense byte matrix over GF(256), row-major.
type matrix [][]byte

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

// vandermondeGenerator builds an n×k coding matrix whose top k rows are the
// identity (systematic: the first k output blocks are exactly the k data
// shards) and whose remaining n-k rows are Vandermonde rows over distinct
// nonzero field elements. For k ≤ 3 every choice of k rows is invertible;
// for larger k some mixes of identity and parity rows are not (with k=4,
// n=7, rows 2, 4, 5 and 6 are linearly dependent), and decoding such a
// subset fails with LinearDependence.
func vandermondeGenerator(k, n int) matrix {
	m := newMatrix(n, k)
	for i := 0; i < k; i++ {
		m[i][i] = 1
	}
	for i := k; i < n; i++ {
		x := byte(i - k + 1) // distinct nonzero points for the parity rows
		for j := 0; j < k; j++ {
			m[i][j] = gfPow(x, j)
		}
	}
	return m
}

// randomGenerator builds an n×k coding matrix from a deterministic PRNG
// seeded by fileSeed, mirroring the Vandermonde case's systematic top-k
// rows but with unconstrained coefficients below them. As with Vandermonde
// for k ≥ 4, an arbitrary k×k submatrix of this matrix is not guaranteed invertible:
// decode may fail with LinearDependence, which is the honest tradeoff the
// Random method makes for simplicity of construction.
func randomGenerator(k, n int, fileSeed uint64) matrix {
	m := newMatrix(n, k)
	for i := 0; i < k; i++ {
		m[i][i] = 1
	}
	state := fileSeed | 1
	next := func() byte {
		// xorshift64*, deterministic and fileSeed-dependent.
		state ^= state >> 12
		state ^= state << 25
		state ^= state >> 27
		return byte((state * 0x2545F4914F6CDD1D) >> 56)
	}
	for i := k; i < n; i++ {
		for j := 0; j < k; j++ {
			m[i][j] = next()
		}
	}
	return m
}

// subMatrix extracts the rows at the given indices.
func (m matrix) subMatrix(rows []int) matrix {
	out := make(matrix, len(rows))
	for i, r := range rows {
		out[i] = m[r]
	}
	return out
}

// invert computes the inverse of a square matrix over GF(256) via
// Gauss-Jordan elimination. Returns an error if the matrix is singular,
// which the caller reports to the user as LinearDependence.
func (m matrix) invert() (matrix, error) {
	n := len(m)
	aug := newMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(aug[i][:n], m[i])
		aug[i][n+i] = 1
	}
	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if aug[row][col] != 0 {
				pivot = row
				break
			}
		}
		if pivot == -1 {
			return nil, fmt.Errorf("codec: singular matrix, no pivot in column %d", col)
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		inv := gfDiv(1, aug[col][col])
		for c := 0; c < 2*n; c++ {
			aug[col][c] = gfMul(aug[col][c], inv)
		}
		for row := 0; row < n; row++ {
			if row == col || aug[row][col] == 0 {
				continue
			}
			factor := aug[row][col]
			for c := 0; c < 2*n; c++ {
				aug[row][c] ^= gfMul(factor, aug[col][c])
			}
		}
	}
	result := newMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(result[i], aug[i][n:])
	}
	return result, nil
}

// seedFromBytes derives a deterministic uint64 seed from arbitrary bytes,
// used to make the Random method's coefficients a function of the file
// content rather than wall-clock time.
func seedFromBytes(b []byte) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	if h == 0 {
		h = 1
	}
	return h
}
