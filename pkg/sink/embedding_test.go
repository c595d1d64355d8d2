package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/types"
)

func TestVectorByteCodecRoundTrip(t *testing.T) {
	vec := make([]float32, types.EmbeddingDim)
	for i := range vec {
		vec[i] = float32(i) * 0.25
	}
	vec[0] = -1.5

	decoded, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)
}

func TestDecodeVectorRejectsRaggedInput(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, faults.Data, faults.KindOf(err))
}

func TestValidateDim(t *testing.T) {
	assert.NoError(t, validateDim(make([]float32, types.EmbeddingDim)))

	err := validateDim(make([]float32, 8))
	require.Error(t, err)
	assert.Equal(t, faults.Data, faults.KindOf(err))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Equal(t, float64(-1), cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float64(-1), cosine([]float32{0, 0}, []float32{1, 2}))
}
