// Package localization maps a GPS point to the most specific node of the
// four-level cultivation hierarchy (site, zone, block, bed) by walking the
// polygon containment tree top-down.
package localization

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/geo/s2"
	geojson "github.com/paulmach/go.geojson"

	"github.com/jkarvonen/plantcount-go/internal/errors"
)

// Level is the depth of a hierarchy node. Lower values are outermost.
type Level int

const (
	LevelSite Level = iota
	LevelZone
	LevelBlock
	LevelBed
)

// String returns the level name as used in GeoJSON feature properties.
func (l Level) String() string {
	switch l {
	case LevelSite:
		return "site"
	case LevelZone:
		return "zone"
	case LevelBlock:
		return "block"
	case LevelBed:
		return "bed"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "site":
		return LevelSite, nil
	case "zone":
		return LevelZone, nil
	case "block":
		return LevelBlock, nil
	case "bed":
		return LevelBed, nil
	default:
		return 0, fmt.Errorf("unknown hierarchy level %q", s)
	}
}

// Node is one geofenced area in the hierarchy.
type Node struct {
	ID       string
	Name     string
	Level    Level
	ParentID string

	// Product defaults configured on the node, used by aggregation when
	// classifying counts. Empty values fall through to the parent node.
	Product   string
	Packaging string

	loop     *s2.Loop
	parent   *Node
	children []*Node
}

// Children returns the node's direct children.
func (n *Node) Children() []*Node {
	return n.children
}

// ResolvedProduct returns the product configured on the node, or on the
// nearest ancestor that sets one. Empty when no node on the path to the
// root carries a product.
func (n *Node) ResolvedProduct() string {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Product != "" {
			return cur.Product
		}
	}
	return ""
}

// ResolvedPackaging returns the packaging configured on the node, or on
// the nearest ancestor that sets one.
func (n *Node) ResolvedPackaging() string {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Packaging != "" {
			return cur.Packaging
		}
	}
	return ""
}

// Path returns the slash-joined names from the root down to this node,
// falling back to IDs for unnamed nodes.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.parent {
		name := cur.Name
		if name == "" {
			name = cur.ID
		}
		parts = append(parts, name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// contains reports whether the node geometry contains the point.
func (n *Node) contains(p s2.Point) bool {
	if n.loop == nil {
		return false
	}
	return n.loop.ContainsPoint(p)
}

// Resolver holds the loaded hierarchy and answers point lookups.
type Resolver struct {
	roots []*Node
	byID  map[string]*Node
}

// LoadHierarchy reads a GeoJSON FeatureCollection from disk and builds a
// Resolver. Each feature must be a Polygon carrying "id" and "level"
// properties; non-root features carry "parent".
func LoadHierarchy(path string) (*Resolver, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: hierarchy path comes from application settings
	if err != nil {
		return nil, errors.New(fmt.Errorf("reading hierarchy file: %w", err)).
			Component("localization").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parsing hierarchy GeoJSON: %w", err)).
			Component("localization").
			Category(errors.CategoryLocalization).
			Context("path", path).
			Build()
	}

	return NewResolver(fc)
}

// NewResolver builds a Resolver from an in-memory feature collection.
func NewResolver(fc *geojson.FeatureCollection) (*Resolver, error) {
	r := &Resolver{byID: make(map[string]*Node)}

	for i, f := range fc.Features {
		node, err := nodeFromFeature(f)
		if err != nil {
			return nil, errors.New(fmt.Errorf("hierarchy feature %d: %w", i, err)).
				Component("localization").
				Category(errors.CategoryValidation).
				Build()
		}
		if _, dup := r.byID[node.ID]; dup {
			return nil, errors.Newf("duplicate hierarchy node id %q", node.ID).
				Component("localization").
				Category(errors.CategoryValidation).
				Build()
		}
		r.byID[node.ID] = node
	}

	// Link children after all nodes exist so file order does not matter
	for _, node := range r.byID {
		if node.ParentID == "" {
			r.roots = append(r.roots, node)
			continue
		}
		parent, ok := r.byID[node.ParentID]
		if !ok {
			return nil, errors.Newf("node %q references unknown parent %q", node.ID, node.ParentID).
				Component("localization").
				Category(errors.CategoryValidation).
				Build()
		}
		if parent.Level >= node.Level {
			return nil, errors.Newf("node %q at level %s cannot be child of %q at level %s",
				node.ID, node.Level, parent.ID, parent.Level).
				Component("localization").
				Category(errors.CategoryValidation).
				Build()
		}
		node.parent = parent
		parent.children = append(parent.children, node)
	}

	return r, nil
}

func nodeFromFeature(f *geojson.Feature) (*Node, error) {
	if f.Geometry == nil || !f.Geometry.IsPolygon() {
		return nil, fmt.Errorf("feature geometry must be a Polygon")
	}
	if len(f.Geometry.Polygon) == 0 || len(f.Geometry.Polygon[0]) < 3 {
		return nil, fmt.Errorf("polygon outer ring needs at least 3 vertices")
	}

	id, err := f.PropertyString("id")
	if err != nil || id == "" {
		return nil, fmt.Errorf("feature is missing an id property")
	}
	levelName, err := f.PropertyString("level")
	if err != nil {
		return nil, fmt.Errorf("feature %q is missing a level property", id)
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	node := &Node{ID: id, Level: level}
	node.Name, _ = f.PropertyString("name")
	node.ParentID, _ = f.PropertyString("parent")
	node.Product, _ = f.PropertyString("product")
	node.Packaging, _ = f.PropertyString("packaging")

	// GeoJSON ring vertices are [lon, lat]; the closing vertex repeats the
	// first and must be dropped before building the loop.
	ring := f.Geometry.Polygon[0]
	if len(ring) > 1 {
		first, last := ring[0], ring[len(ring)-1]
		if first[0] == last[0] && first[1] == last[1] {
			ring = ring[:len(ring)-1]
		}
	}
	points := make([]s2.Point, 0, len(ring))
	for _, coord := range ring {
		points = append(points, s2.PointFromLatLng(s2.LatLngFromDegrees(coord[1], coord[0])))
	}
	loop := s2.LoopFromPoints(points)
	// Normalize so the loop interior is the smaller of the two regions,
	// regardless of ring winding in the source file.
	loop.Normalize()
	node.loop = loop

	return node, nil
}

// Resolve returns the most specific node containing the point, or nil
// when no node at any level contains it. A nil result is a valid outcome
// ("unresolved location"), not an error.
func (r *Resolver) Resolve(lat, lon float64) *Node {
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))

	var deepest *Node
	candidates := r.roots
	for len(candidates) > 0 {
		var next []*Node
		found := false
		for _, node := range candidates {
			if node.contains(p) {
				deepest = node
				next = node.children
				found = true
				// Overlapping siblings are disambiguated by hierarchy
				// depth: descend into the first containing node
				break
			}
		}
		if !found {
			break
		}
		candidates = next
	}
	return deepest
}

// NodeByID returns a node by identifier, or nil when absent.
func (r *Resolver) NodeByID(id string) *Node {
	return r.byID[id]
}

// Len returns how many nodes the hierarchy holds.
func (r *Resolver) Len() int {
	return len(r.byID)
}

// Roots returns the top-level nodes.
func (r *Resolver) Roots() []*Node {
	return r.roots
}
