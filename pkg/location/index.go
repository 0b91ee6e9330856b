package location

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/markus-lassfolk/locator/pkg"
)

const (
	dimensions  = 2
	minChildren = 4
	maxChildren = 16
	tolerance   = 1e-9
)

// Hit is one result of a radius query
type Hit struct {
	ID       string       `json:"id"`
	Position pkg.Position `json:"position"`
	Distance float64      `json:"distance"` // meters
}

type indexedPosition struct {
	id   string
	pos  pkg.Position
	rect *rtreego.Rect
}

func (ip *indexedPosition) Bounds() *rtreego.Rect {
	return ip.rect
}

// Index is an R-tree of positions keyed by (lat, lng)
type Index struct {
	mu   sync.RWMutex
	tree *rtreego.Rtree
	size int
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{tree: rtreego.NewTree(dimensions, minChildren, maxChildren)}
}

// Insert adds a position under id
func (idx *Index) Insert(id string, pos pkg.Position) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	p := rtreego.Point{pos.Latitude, pos.Longitude}
	idx.tree.Insert(&indexedPosition{id: id, pos: pos, rect: p.ToRect(tolerance)})
	idx.size++
}

// Len returns the number of indexed positions
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.size
}

// Within returns positions whose haversine distance from the center is at most radius meters,
// nearest first. The R-tree narrows candidates to the enclosing bounding box.
func (idx *Index) Within(lat, lng, radius float64) ([]Hit, error) {
	if radius < 0 || math.IsNaN(radius) {
		return nil, fmt.Errorf("invalid radius %v", radius)
	}

	bounds, err := boundingBox(lat, lng, radius)
	if err != nil {
		return nil, fmt.Errorf("invalid radius search: %w", err)
	}

	idx.mu.RLock()
	candidates := idx.tree.SearchIntersect(bounds)
	idx.mu.RUnlock()

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		item, ok := c.(*indexedPosition)
		if !ok {
			continue
		}
		d := Distance(lat, lng, item.pos.Latitude, item.pos.Longitude)
		if d <= radius {
			hits = append(hits, Hit{ID: item.id, Position: item.pos, Distance: d})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// boundingBox returns a rectangle enclosing the spherical cap of the circle.
// A cap that reaches a pole spans every longitude; so does one that crosses
// the antimeridian.
func boundingBox(lat, lng, radius float64) (*rtreego.Rect, error) {
	dLat := MetersToDegrees(radius)
	minLat := math.Max(-90, lat-dLat)
	maxLat := math.Min(90, lat+dLat)

	minLng, maxLng := -180.0, 180.0
	if lat+dLat < 90 && lat-dLat > -90 {
		// widest longitude extent of the cap: asin(sin(r/R) / cos(lat))
		arg := math.Sin(radius/EarthRadiusMeters) / math.Cos(lat*math.Pi/180)
		if arg < 1 {
			dLng := math.Asin(arg) * 180 / math.Pi
			if lng-dLng >= -180 && lng+dLng <= 180 {
				minLng, maxLng = lng-dLng, lng+dLng
			}
		}
	}

	return rtreego.NewRect(
		rtreego.Point{minLat - tolerance, minLng - tolerance},
		[]float64{math.Max(maxLat-minLat, tolerance) + 2*tolerance, math.Max(maxLng-minLng, tolerance) + 2*tolerance},
	)
}
