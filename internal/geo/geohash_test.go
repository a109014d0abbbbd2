package geo

import (
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name      string
		lat, lon  float64
		precision int
		expected  string
	}{
		{"san francisco", 37.7749, -122.4194, 6, "9q8yyk"},
		{"wikipedia example", 57.64911, 10.40744, 11, "u4pruydqqvj"},
		{"origin", 0, 0, 4, "s000"},
		{"zero precision", 10, 10, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.lat, tt.lon, tt.precision)
			if got != tt.expected {
				t.Errorf("Encode(%v, %v, %d) = %q, want %q", tt.lat, tt.lon, tt.precision, got, tt.expected)
			}
		})
	}
}

func TestEncodeRefinesAndContainsPoint(t *testing.T) {
	points := [][2]float64{
		{37.7749, -122.4194},
		{-33.8688, 151.2093},
		{51.5074, -0.1278},
		{35.6762, 139.6503},
		{-89.9, 179.9},
	}
	for _, p := range points {
		prev := ""
		for precision := 1; precision <= MaxPrecision; precision++ {
			cell := Encode(p[0], p[1], precision)
			require.Len(t, cell, precision)
			assert.True(t, strings.HasPrefix(cell, prev), "%q does not refine %q", cell, prev)
			assert.True(t, geohash.BoundingBox(cell).Contains(p[0], p[1]), "%q does not contain %v", cell, p)
			prev = cell
		}
	}
	assert.Len(t, Encode(10, 10, 20), MaxPrecision)
}

func TestNeighborsAreAdjacentAndSymmetric(t *testing.T) {
	cells := []string{"9q8yyk", "u4pru", "dr5r", "gcpv", "s000", "9q8yy9", "ezs42"}
	for _, cell := range cells {
		t.Run(cell, func(t *testing.T) {
			ns := Neighbors(cell)
			require.Len(t, ns, 8, "interior cells have a full ring")

			box := geohash.BoundingBox(cell)
			dLat := box.MaxLat - box.MinLat
			dLon := box.MaxLng - box.MinLng
			lat, lon := box.Center()
			for _, n := range ns {
				nLat, nLon := geohash.BoundingBox(n).Center()
				assert.InDelta(t, 0, math.Abs(nLat-lat), dLat*1.01, "%s is not latitude-adjacent", n)
				assert.InDelta(t, 0, math.Abs(nLon-lon), dLon*1.01, "%s is not longitude-adjacent", n)
				assert.Contains(t, Neighbors(n), cell, "%s does not see %s back", n, cell)
			}
		})
	}
}

func TestNeighborsProperties(t *testing.T) {
	cells := []string{"9q8yyk", "b", "0", "zzzz", "pbpb", "bpbp", "u4pruydqqvj", "7zzzz", "kpbpb"}
	for _, cell := range cells {
		t.Run(cell, func(t *testing.T) {
			ns := Neighbors(cell)
			require.GreaterOrEqual(t, len(ns), 1)
			require.LessOrEqual(t, len(ns), 8)
			assert.NotContains(t, ns, cell)
			for _, n := range ns {
				assert.Len(t, n, len(cell))
			}
			assert.True(t, sort.StringsAreSorted(ns))
		})
	}
}

func TestNeighborsAtPoleDropsCrossingCells(t *testing.T) {
	// "b" touches the north pole: nothing lies above it.
	ns := Neighbors("b")
	assert.Len(t, ns, 5)

	// Equatorial cells keep the full ring.
	assert.Len(t, Neighbors("s000"), 8)
}

func TestNeighborsWrapsAntimeridian(t *testing.T) {
	// "2" sits on the western edge; its western neighbor wraps to "r".
	assert.Contains(t, Neighbors("2"), "r")
}

func TestNeighborsOfNeighbors(t *testing.T) {
	cells := []string{"9q8yyk", "dr5r", "b"}
	for _, cell := range cells {
		t.Run(cell, func(t *testing.T) {
			nn := NeighborsOfNeighbors(cell)
			assert.Contains(t, nn, cell)
			for _, n := range Neighbors(cell) {
				assert.Contains(t, nn, n)
			}
			assert.LessOrEqual(t, len(nn), 25)

			seen := make(map[string]bool)
			for _, c := range nn {
				assert.False(t, seen[c], "duplicate cell %s", c)
				seen[c] = true
			}
		})
	}

	assert.Len(t, NeighborsOfNeighbors("9q8yyk"), 25)
}

func TestNeighborsInvalidCell(t *testing.T) {
	assert.Nil(t, Neighbors(""))
	assert.Nil(t, Neighbors("9q8ya")) // 'a' is not in the alphabet
	assert.Nil(t, NeighborsOfNeighbors(""))
}
