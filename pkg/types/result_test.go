package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankedMatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		match   RankedMatch
		wantErr error
	}{
		{
			name:  "valid",
			match: RankedMatch{SongID: "abc", Rank: 1, FusedScore: 0.5},
		},
		{
			name:    "missing song id",
			match:   RankedMatch{Rank: 1, FusedScore: 0.5},
			wantErr: ErrInvalidSongID,
		},
		{
			name:    "zero rank",
			match:   RankedMatch{SongID: "abc", FusedScore: 0.5},
			wantErr: ErrInvalidRank,
		},
		{
			name:    "score above one",
			match:   RankedMatch{SongID: "abc", Rank: 1, FusedScore: 1.2},
			wantErr: ErrInvalidScore,
		},
		{
			name:    "negative score",
			match:   RankedMatch{SongID: "abc", Rank: 1, FusedScore: -0.1},
			wantErr: ErrInvalidScore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.match.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSortMatches(t *testing.T) {
	matches := []RankedMatch{
		{SongID: "c", FusedScore: 0.4},
		{SongID: "b", FusedScore: 0.9},
		{SongID: "a", FusedScore: 0.4},
		{SongID: "d", FusedScore: 0.1},
	}

	SortMatches(matches)

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.SongID
		assert.Equal(t, i+1, m.Rank)
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids)
}

func TestConfidenceLevel(t *testing.T) {
	assert.Equal(t, "Very High", ConfidenceLevel(0.95))
	assert.Equal(t, "High", ConfidenceLevel(0.5))
	assert.Equal(t, "Medium", ConfidenceLevel(0.31))
	assert.Equal(t, "Low", ConfidenceLevel(0.2))
	assert.Equal(t, "Very Low", ConfidenceLevel(0.05))
}

func TestSongID(t *testing.T) {
	a := SongID("Queen", "Bohemian Rhapsody")
	b := SongID("  queen ", "BOHEMIAN RHAPSODY")
	c := SongID("Queen", "Under Pressure")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestSongRecordValidate(t *testing.T) {
	song := NewSongRecord("Queen", "Bohemian Rhapsody", "Is this the real life")
	require.NoError(t, song.Validate())

	song.Title = ""
	assert.ErrorIs(t, song.Validate(), ErrMissingTitle)

	empty := NewSongRecord("Queen", "Silence", "   ")
	assert.ErrorIs(t, empty.Validate(), ErrEmptyLyrics)
}
