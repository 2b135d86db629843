package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeVectorRoundTrip(t *testing.T) {
	vector := []float32{0, 1.5, -2.25, 3.4028235e38}
	blob := serializeVector(vector)
	assert.Len(t, blob, len(vector)*4)
	assert.Equal(t, vector, deserializeVector(blob))
}

func TestSerializeVectorsDimensionMismatch(t *testing.T) {
	_, err := serializeVectors([][]float32{{1, 2}, {3}}, 2)
	assert.Error(t, err)
}

func TestDeserializeVectors(t *testing.T) {
	vectors := [][]float32{{1, 2, 3}, {4, 5, 6}}
	blob, err := serializeVectors(vectors, 3)
	require.NoError(t, err)

	got, err := deserializeVectors(blob, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, vectors, got)

	// Appending to one vector must not clobber the next
	got[0] = append(got[0], 99)
	assert.Equal(t, []float32{4, 5, 6}, got[1])
}

func TestDeserializeVectorsCorrupt(t *testing.T) {
	tests := []struct {
		name      string
		blob      []byte
		count     int
		dimension int
	}{
		{"truncated", make([]byte, 10), 1, 3},
		{"extra bytes", make([]byte, 16), 1, 3},
		{"zero dimension", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deserializeVectors(tt.blob, tt.count, tt.dimension)
			assert.ErrorIs(t, err, ErrCorruptVectors)
		})
	}
}

func TestPhraseQuery(t *testing.T) {
	assert.Equal(t, "", phraseQuery("   "))
	assert.Equal(t, `"real life"`, phraseQuery(" real   life "))
	assert.Equal(t, `"say ""hello"" OR NOT"`, phraseQuery(`say "hello" OR NOT`))
}
