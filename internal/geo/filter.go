package geo

import (
	"context"
	"fmt"
	"strings"
)

// RadiusTier selects how far around the viewer the feed reaches.
type RadiusTier int

const (
	TierNone RadiusTier = iota
	TierNarrow
	TierMedium
	TierWide
	TierWidest
)

type tierParam struct {
	precision int
	degree    int
}

var tierParams = map[RadiusTier]tierParam{
	TierNarrow: {precision: 6, degree: 1}, // ~1 mile
	TierMedium: {precision: 6, degree: 2}, // ~3 miles
	TierWide:   {precision: 5, degree: 1}, // ~5 miles
	TierWidest: {precision: 4, degree: 1}, // ~10 miles
}

var tierNames = map[RadiusTier]string{
	TierNone:   "none",
	TierNarrow: "narrow",
	TierMedium: "medium",
	TierWide:   "wide",
	TierWidest: "widest",
}

func (t RadiusTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Precision returns the geohash length the tier filters on, or 0 for TierNone.
func (t RadiusTier) Precision() int {
	return tierParams[t].precision
}

// ParseTier parses a tier name. The empty string is TierNone.
func ParseTier(s string) (RadiusTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierNone, nil
	}
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return TierNone, fmt.Errorf("unknown radius tier %q", s)
}

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// LocationProvider reports the viewer's current location, if known.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (Point, bool)
}

// StaticLocation is a LocationProvider with a fixed answer.
type StaticLocation struct {
	Point Point
	Known bool
}

// CurrentLocation implements LocationProvider.
func (s StaticLocation) CurrentLocation(context.Context) (Point, bool) {
	return s.Point, s.Known
}

// Predicate is a resolved location filter: Field IN Cells, or no filter at
// all when Unbounded is set.
type Predicate struct {
	Field     string
	Cells     []string
	Unbounded bool
}

// Unbounded is the predicate that filters nothing.
var Unbounded = Predicate{Unbounded: true}

// FieldFor returns the post field holding the geohash prefix of the given length.
func FieldFor(precision int) string {
	return fmt.Sprintf("geohash%d", precision)
}

// Resolve turns a tier and an optional viewer location into a predicate.
// Without a location every tier degrades to Unbounded so that an empty cell
// set is never sent to the store.
func Resolve(tier RadiusTier, at *Point) Predicate {
	p, ok := tierParams[tier]
	if !ok || at == nil {
		return Unbounded
	}

	cell := Encode(at.Lat, at.Lon, p.precision)
	var cells []string
	switch p.degree {
	case 2:
		cells = NeighborsOfNeighbors(cell)
	default:
		cells = append(Neighbors(cell), cell)
	}
	if len(cells) == 0 {
		return Unbounded
	}

	return Predicate{
		Field: FieldFor(p.precision),
		Cells: sortedKeys(toSet(cells)),
	}
}

// ResolveFrom asks the provider for the viewer location and resolves tier.
func ResolveFrom(ctx context.Context, tier RadiusTier, provider LocationProvider) Predicate {
	if tier == TierNone || provider == nil {
		return Unbounded
	}
	p, ok := provider.CurrentLocation(ctx)
	if !ok {
		return Unbounded
	}
	return Resolve(tier, &p)
}

func toSet(cells []string) map[string]struct{} {
	set := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		set[c] = struct{}{}
	}
	return set
}
