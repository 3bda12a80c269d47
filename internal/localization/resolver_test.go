package localization

import (
	"testing"

	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square returns a closed GeoJSON polygon ring around the given center,
// half-size in degrees.
func square(lon, lat, half float64) [][][]float64 {
	return [][][]float64{{
		{lon - half, lat - half},
		{lon + half, lat - half},
		{lon + half, lat + half},
		{lon - half, lat + half},
		{lon - half, lat - half},
	}}
}

func feature(id, level, parent string, coords [][][]float64) *geojson.Feature {
	f := geojson.NewPolygonFeature(coords)
	f.SetProperty("id", id)
	f.SetProperty("level", level)
	if parent != "" {
		f.SetProperty("parent", parent)
	}
	return f
}

func testHierarchy(t *testing.T) *Resolver {
	t.Helper()

	fc := geojson.NewFeatureCollection()
	fc.AddFeature(feature("site-1", "site", "", square(24.0, 61.0, 0.4)))
	fc.AddFeature(feature("zone-a", "zone", "site-1", square(24.0, 61.0, 0.2)))
	fc.AddFeature(feature("block-3", "block", "zone-a", square(24.0, 61.0, 0.1)))
	fc.AddFeature(feature("bed-7", "bed", "block-3", square(24.0, 61.0, 0.05)))
	// A second zone that does not contain the test points
	fc.AddFeature(feature("zone-b", "zone", "site-1", square(24.3, 61.3, 0.05)))

	r, err := NewResolver(fc)
	require.NoError(t, err)
	return r
}

func TestResolveDeepestNode(t *testing.T) {
	t.Parallel()

	r := testHierarchy(t)

	node := r.Resolve(61.0, 24.0)
	require.NotNil(t, node)
	assert.Equal(t, "bed-7", node.ID)
	assert.Equal(t, LevelBed, node.Level)
}

func TestResolveStopsAtContainingLevel(t *testing.T) {
	t.Parallel()

	r := testHierarchy(t)

	// Inside the zone but outside block and bed
	node := r.Resolve(61.15, 24.0)
	require.NotNil(t, node)
	assert.Equal(t, "zone-a", node.ID)

	// Inside the site only
	node = r.Resolve(61.35, 24.0)
	require.NotNil(t, node)
	assert.Equal(t, "site-1", node.ID)
}

func TestResolveOutsideReturnsNil(t *testing.T) {
	t.Parallel()

	r := testHierarchy(t)

	assert.Nil(t, r.Resolve(0.0, 0.0), "unresolved location is nil, not an error")
	assert.Nil(t, r.Resolve(-61.0, 24.0))
}

func TestProductInheritsFromAncestors(t *testing.T) {
	t.Parallel()

	fc := geojson.NewFeatureCollection()
	site := feature("site-1", "site", "", square(24.0, 61.0, 0.4))
	site.SetProperty("packaging", "tray10")
	fc.AddFeature(site)
	zone := feature("zone-a", "zone", "site-1", square(24.0, 61.0, 0.2))
	zone.SetProperty("product", "basil")
	fc.AddFeature(zone)
	fc.AddFeature(feature("bed-7", "bed", "zone-a", square(24.0, 61.0, 0.05)))

	r, err := NewResolver(fc)
	require.NoError(t, err)

	bed := r.Resolve(61.0, 24.0)
	require.NotNil(t, bed)
	require.Equal(t, "bed-7", bed.ID)
	assert.Empty(t, bed.Product, "the bed itself carries no product")
	assert.Equal(t, "basil", bed.ResolvedProduct(), "product falls through to the zone")
	assert.Equal(t, "tray10", bed.ResolvedPackaging(), "packaging falls through to the site")

	assert.Empty(t, r.NodeByID("site-1").ResolvedProduct(), "nothing above the site to inherit from")
}

func TestResolverRejectsUnknownParent(t *testing.T) {
	t.Parallel()

	fc := geojson.NewFeatureCollection()
	fc.AddFeature(feature("zone-x", "zone", "missing-site", square(24.0, 61.0, 0.2)))

	_, err := NewResolver(fc)
	assert.Error(t, err)
}

func TestResolverRejectsInvertedLevels(t *testing.T) {
	t.Parallel()

	fc := geojson.NewFeatureCollection()
	fc.AddFeature(feature("bed-1", "bed", "", square(24.0, 61.0, 0.4)))
	fc.AddFeature(feature("site-1", "site", "bed-1", square(24.0, 61.0, 0.2)))

	_, err := NewResolver(fc)
	assert.Error(t, err)
}

func TestNodeByID(t *testing.T) {
	t.Parallel()

	r := testHierarchy(t)
	require.Equal(t, 5, r.Len())

	node := r.NodeByID("block-3")
	require.NotNil(t, node)
	assert.Equal(t, "zone-a", node.ParentID)

	assert.Nil(t, r.NodeByID("nope"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"site", "zone", "block", "bed"} {
		level, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, name, level.String())
	}

	_, err := ParseLevel("greenhouse")
	assert.Error(t, err)
}
