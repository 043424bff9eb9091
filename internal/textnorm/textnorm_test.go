package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqual_PunctuationAndCaseInsensitive(t *testing.T) {
	assert.True(t, Equal("The Matrix: Reloaded", "the matrix   reloaded"))
	assert.True(t, Equal("Arrival (2016)", "arrival 2016"))
}

func TestEqual_DifferentTitlesNeverMatch(t *testing.T) {
	assert.False(t, Equal("Arrival", "The Arrival of the Machines"))
}

func TestSimilarity_IsDiagnosticNotAMatchRelaxation(t *testing.T) {
	sim := Similarity("Arrival", "Arrivall")
	assert.Greater(t, sim, 0.8)
	assert.False(t, Equal("Arrival", "Arrivall"), "near-miss titles must still fail strict Equal")
}

func TestSimilarity_BothEmpty(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
}
