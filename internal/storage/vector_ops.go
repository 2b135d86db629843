package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrCorruptVectors is returned when a stored vector blob does not match its
// declared shape
var ErrCorruptVectors = errors.New("corrupt vector blob")

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// serializeVectors flattens equally sized vectors into one blob
func serializeVectors(vectors [][]float32, dimension int) ([]byte, error) {
	blob := make([]byte, 0, len(vectors)*dimension*4)
	for i, v := range vectors {
		if len(v) != dimension {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dimension)
		}
		blob = append(blob, serializeVector(v)...)
	}
	return blob, nil
}

// deserializeVectors splits a flat blob into count vectors of dimension floats
func deserializeVectors(blob []byte, count, dimension int) ([][]float32, error) {
	if count < 0 || dimension <= 0 || len(blob) != count*dimension*4 {
		return nil, fmt.Errorf("%w: %d bytes for %d vectors of dimension %d", ErrCorruptVectors, len(blob), count, dimension)
	}
	flat := deserializeVector(blob)
	vectors := make([][]float32, count)
	for i := range vectors {
		vectors[i] = flat[i*dimension : (i+1)*dimension : (i+1)*dimension]
	}
	return vectors, nil
}

// phraseQuery turns free text into a single FTS5 phrase. Quoting the whole
// input keeps FTS5 operators and special characters literal.
func phraseQuery(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	joined := strings.Join(words, " ")
	return `"` + strings.ReplaceAll(joined, `"`, `""`) + `"`
}

