// Package geo resolves viewer radius tiers into geohash cell predicates.
package geo

import (
	"sort"

	"github.com/mmcloughlin/geohash"
)

// MaxPrecision is the longest geohash the feed stores per post.
const MaxPrecision = 12

// Encode returns the geohash of (lat, lon) with the given number of characters.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		return ""
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}
	return geohash.EncodeWithPrecision(lat, lon, uint(precision))
}

// Valid reports whether cell is a non-empty geohash over the standard alphabet.
func Valid(cell string) bool {
	if cell == "" || len(cell) > MaxPrecision {
		return false
	}
	return geohash.Validate(cell) == nil
}

// Neighbors returns the cells adjacent to cell at the same precision, in the
// four cardinal and four diagonal directions. The result is sorted, holds no
// duplicates and never contains cell. East/west steps wrap around the
// antimeridian; steps across a pole are dropped, so polar cells have fewer
// than 8.
func Neighbors(cell string) []string {
	if !Valid(cell) {
		return nil
	}

	box := geohash.BoundingBox(cell)
	lat, lon := box.Center()
	dLat := box.MaxLat - box.MinLat
	dLon := box.MaxLng - box.MinLng
	chars := uint(len(cell))

	set := make(map[string]struct{}, 8)
	for _, step := range neighborSteps {
		nLat := lat + float64(step[0])*dLat
		if nLat <= -90 || nLat >= 90 {
			continue
		}
		n := geohash.EncodeWithPrecision(nLat, wrapLon(lon+float64(step[1])*dLon), chars)
		if n != cell {
			set[n] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// neighborSteps are (lat, lon) cell offsets, clockwise from north.
var neighborSteps = [8][2]int{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

func wrapLon(lon float64) float64 {
	switch {
	case lon >= 180:
		return lon - 360
	case lon < -180:
		return lon + 360
	}
	return lon
}

// NeighborsOfNeighbors returns cell, its neighbors, and every neighbor of those
// neighbors.
func NeighborsOfNeighbors(cell string) []string {
	if !Valid(cell) {
		return nil
	}

	set := map[string]struct{}{cell: {}}
	for _, n := range Neighbors(cell) {
		set[n] = struct{}{}
		for _, nn := range Neighbors(n) {
			set[nn] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
