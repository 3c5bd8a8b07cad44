package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain title", "Naruto", "Naruto"},
		{"strips slashes", "Fate/stay night", "Fatestay night"},
		{"strips windows reserved", `Re:Zero *Director's Cut?*`, "ReZero Director's Cut"},
		{"collapses whitespace", "One   Piece \t Season 1", "One Piece Season 1"},
		{"trims edges", "  Bleach  ", "Bleach"},
		{"keeps unicode", "進撃の巨人", "進撃の巨人"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeKey(tt.input))
		})
	}
}

func TestFolderName(t *testing.T) {
	assert.Equal(t, "One_Piece_Season_1", FolderName("One Piece Season 1"))
	assert.Equal(t, "Fatestay_night", FolderName("Fate/stay night"))
}
