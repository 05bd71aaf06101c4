// Package geometry implements distance-parametrized queries over
// route shapes.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const earthRadiusMeters = 6371000

// Shapes with fewer than two points, or with zero length, can't be
// interpolated along.
var ErrDegenerateGeometry = errors.New("degenerate geometry")

type Point struct {
	Lat float64
	Lon float64
}

// Great circle distance between two points, in meters.
func Haversine(a, b Point) float64 {
	aLat := a.Lat * math.Pi / 180
	bLat := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(aLat)*math.Cos(bLat)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Linear interpolation between a and b. Segments between shape
// vertices are short enough for this to stay within GPS noise.
func lerp(a, b Point, f float64) Point {
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lon: a.Lon + (b.Lon-a.Lon)*f,
	}
}

// An ordered list of points with cumulative distances. Polylines are
// immutable after construction.
type Polyline struct {
	points     []Point
	cumulative []float64
}

func NewPolyline(points []Point) (*Polyline, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%d point(s): %w", len(points), ErrDegenerateGeometry)
	}

	p := build(points)
	if p.Length() <= 0 {
		return nil, fmt.Errorf("zero length: %w", ErrDegenerateGeometry)
	}
	return p, nil
}

func build(points []Point) *Polyline {
	p := &Polyline{
		points:     make([]Point, len(points)),
		cumulative: make([]float64, len(points)),
	}
	copy(p.points, points)
	for i := 1; i < len(points); i++ {
		p.cumulative[i] = p.cumulative[i-1] + Haversine(points[i-1], points[i])
	}
	return p
}

func (p *Polyline) Length() float64 {
	return p.cumulative[len(p.cumulative)-1]
}

func (p *Polyline) Points() []Point {
	out := make([]Point, len(p.points))
	copy(out, p.points)
	return out
}

func (p *Polyline) Start() Point {
	return p.points[0]
}

func (p *Polyline) End() Point {
	return p.points[len(p.points)-1]
}

// The point d meters along the line. d is clamped to [0, Length()].
func (p *Polyline) PointAtDistance(d float64) Point {
	if d <= 0 {
		return p.points[0]
	}
	if d >= p.Length() {
		return p.points[len(p.points)-1]
	}

	// First vertex at or beyond d. d is strictly inside the line,
	// so i is in [1, len-1].
	i := sort.SearchFloat64s(p.cumulative, d)
	segment := p.cumulative[i] - p.cumulative[i-1]
	if segment <= 0 {
		return p.points[i]
	}
	return lerp(p.points[i-1], p.points[i], (d-p.cumulative[i-1])/segment)
}

// The point at fraction f of the line's length. f is clamped to
// [0, 1].
func (p *Polyline) PointAtFraction(f float64) Point {
	return p.PointAtDistance(f * p.Length())
}

// Cuts the line at the given distances, returning
// len(breakpoints)-1 contiguous pieces where piece i runs from
// breakpoints[i] to breakpoints[i+1]. Breakpoints are clamped to the
// line and must not decrease. Pieces may have zero length.
func (p *Polyline) Subdivide(breakpoints []float64) ([]*Polyline, error) {
	if len(breakpoints) < 2 {
		return nil, fmt.Errorf("need at least 2 breakpoints, got %d", len(breakpoints))
	}
	for i := 1; i < len(breakpoints); i++ {
		if breakpoints[i] < breakpoints[i-1] {
			return nil, fmt.Errorf("breakpoint %d (%f) precedes breakpoint %d (%f)", i, breakpoints[i], i-1, breakpoints[i-1])
		}
	}

	pieces := make([]*Polyline, 0, len(breakpoints)-1)
	for i := 1; i < len(breakpoints); i++ {
		pieces = append(pieces, p.cut(breakpoints[i-1], breakpoints[i]))
	}
	return pieces, nil
}

func (p *Polyline) cut(from, to float64) *Polyline {
	points := []Point{p.PointAtDistance(from)}
	for i, c := range p.cumulative {
		if c > from && c < to {
			points = append(points, p.points[i])
		}
	}
	points = append(points, p.PointAtDistance(to))
	return build(points)
}

// Distance along the line of the point closest to q.
func (p *Polyline) Project(q Point) float64 {
	return p.ProjectFrom(q, 0)
}

// Like Project, but only considers the part of the line at or
// beyond floor. Used to snap an ordered list of stops onto a shape
// without ever moving backwards.
func (p *Polyline) ProjectFrom(q Point, floor float64) float64 {
	if floor >= p.Length() {
		return p.Length()
	}
	if floor < 0 {
		floor = 0
	}

	best := floor
	bestDist := Haversine(p.PointAtDistance(floor), q)

	for i := 1; i < len(p.points); i++ {
		if p.cumulative[i] < floor {
			continue
		}
		segment := p.cumulative[i] - p.cumulative[i-1]
		if segment <= 0 {
			continue
		}

		f := closestFraction(p.points[i-1], p.points[i], q)
		lower := (floor - p.cumulative[i-1]) / segment
		if f < lower {
			f = lower
		}

		candidate := lerp(p.points[i-1], p.points[i], f)
		dist := Haversine(candidate, q)
		if dist < bestDist {
			best = p.cumulative[i-1] + f*segment
			bestDist = dist
		}
	}

	return best
}

// Fraction along a-b of the point closest to q, clamped to [0, 1].
// Computed in a local equirectangular projection.
func closestFraction(a, b, q Point) float64 {
	cos := math.Cos((a.Lat + b.Lat) / 2 * math.Pi / 180)
	bx, by := (b.Lon-a.Lon)*cos, b.Lat-a.Lat
	qx, qy := (q.Lon-a.Lon)*cos, q.Lat-a.Lat

	norm := bx*bx + by*by
	if norm == 0 {
		return 0
	}
	f := (qx*bx + qy*by) / norm
	return math.Max(0, math.Min(1, f))
}
