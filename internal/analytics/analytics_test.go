package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRound2(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"exact two decimals", 12.34, 12.34},
		{"repeating decimal", 33.3333, 33.33},
		{"rounds down", 66.6649, 66.66},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, round2(tt.in), 0.001)
		})
	}
}
