package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEncodeDecodeVandermondeExactSubset(t *testing.T) {
	data := randomBytes(t, 1000)
	desc, blocks, err := Encode(data, 4, 7, Vandermonde)
	require.NoError(t, err)
	require.Len(t, blocks, 7)

	got, err := Decode(desc, blocks[:4])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestEncodeDecodeVandermondeAnySubset(t *testing.T) {
	data := randomBytes(t, 777)
	desc, blocks, err := Encode(data, 3, 6, Vandermonde)
	require.NoError(t, err)

	// Pick a subset skewed toward the parity rows; with k=3 every choice of
	// 3 Vandermonde rows is invertible, so this subset reconstructs the file.
	subset := []Block{blocks[1], blocks[3], blocks[5]}
	got, err := Decode(desc, subset)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestEncodeVerifyEachBlock(t *testing.T) {
	data := randomBytes(t, 256)
	desc, blocks, err := Encode(data, 2, 4, Vandermonde)
	require.NoError(t, err)
	for _, b := range blocks {
		assert.True(t, Verify(b, desc))
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	data := randomBytes(t, 256)
	desc, blocks, err := Encode(data, 2, 4, Vandermonde)
	require.NoError(t, err)
	tampered := blocks[0]
	tampered.Payload = append([]byte(nil), tampered.Payload...)
	tampered.Payload[0] ^= 0xff
	assert.False(t, Verify(tampered, desc))
}

func TestHashDeterminismAcrossRepeatedEncodes(t *testing.T) {
	data := randomBytes(t, 500)
	desc1, blocks1, err := Encode(data, 4, 8, Vandermonde)
	require.NoError(t, err)
	desc2, blocks2, err := Encode(data, 4, 8, Vandermonde)
	require.NoError(t, err)

	assert.Equal(t, desc1.FileHash, desc2.FileHash)
	for i := range blocks1 {
		assert.Equal(t, blocks1[i].BlockHash, blocks2[i].BlockHash)
	}
}

func TestDifferentParametersYieldDifferentFileHash(t *testing.T) {
	data := randomBytes(t, 500)
	desc1, _, err := Encode(data, 4, 8, Vandermonde)
	require.NoError(t, err)
	desc2, _, err := Encode(data, 3, 8, Vandermonde)
	require.NoError(t, err)
	assert.NotEqual(t, desc1.FileHash, desc2.FileHash)
}

func TestEncodeDecodeRandomMethodWithSeed(t *testing.T) {
	data := randomBytes(t, 900)
	seed := seedFromBytes(data)
	desc, blocks, err := Encode(data, 4, 7, Random)
	require.NoError(t, err)

	got, err := DecodeWithSeed(desc, blocks[:4], seed)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestDecodeWithoutSeedRejectsRandomMethod(t *testing.T) {
	data := randomBytes(t, 300)
	desc, blocks, err := Encode(data, 3, 5, Random)
	require.NoError(t, err)
	_, err = Decode(desc, blocks[:3])
	require.Error(t, err)
	derr, ok := dragoonerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dragoonerr.Internal, derr.Kind)
}

func TestRandomMethodCanProduceLinearDependence(t *testing.T) {
	// Construct a generator matrix directly (bypassing Encode's file-derived
	// seed) so we control the coefficients and force a singular submatrix:
	// two parity rows with identical coefficients are linearly dependent.
	gen := newMatrix(4, 2)
	gen[0][0], gen[0][1] = 1, 0
	gen[1][0], gen[1][1] = 0, 1
	gen[2][0], gen[2][1] = 5, 9
	gen[3][0], gen[3][1] = 5, 9 // duplicate of row 2: singular with it

	sub := gen.subMatrix([]int{2, 3})
	_, err := sub.invert()
	require.Error(t, err)
}

func TestInsufficientBlocksError(t *testing.T) {
	data := randomBytes(t, 200)
	desc, blocks, err := Encode(data, 4, 6, Vandermonde)
	require.NoError(t, err)
	_, err = Decode(desc, blocks[:2])
	require.Error(t, err)
	derr, ok := dragoonerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dragoonerr.InsufficientBlocks, derr.Kind)
}

func TestEncodeRejectsInvalidParameters(t *testing.T) {
	_, _, err := Encode([]byte("x"), 0, 3, Vandermonde)
	require.Error(t, err)
	_, _, err = Encode([]byte("x"), 5, 3, Vandermonde)
	require.Error(t, err)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, Vandermonde, m)

	m, err = ParseMethod("random")
	require.NoError(t, err)
	assert.Equal(t, Random, m)

	_, err = ParseMethod("bogus")
	require.Error(t, err)
}
