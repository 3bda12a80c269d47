// Package calibration supplies per-crop density parameters used by the
// residual-area estimation stage. Parameters are read from a yaml file and
// cached; lookups fall back from the most specific key to a kind-level
// default so a missing product entry never blocks estimation.
package calibration

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/jkarvonen/plantcount-go/internal/errors"
)

// DensityParams describes how densely a crop grows in a container.
type DensityParams struct {
	// AvgPlantAreaCm2 is the mean top-down canopy area of a single plant.
	AvgPlantAreaCm2 float64 `yaml:"avg_plant_area_cm2"`
	// OverlapFactor corrects for canopy overlap in dense trays. 1.0 means
	// no overlap; values above 1.0 inflate the count to compensate for
	// plants hidden under neighbours.
	OverlapFactor float64 `yaml:"overlap_factor"`
}

// Valid reports whether the parameters can be used for estimation.
func (p DensityParams) Valid() bool {
	return p.AvgPlantAreaCm2 > 0 && p.OverlapFactor > 0
}

type calibrationFile struct {
	Defaults map[string]DensityParams `yaml:"defaults"` // keyed by container kind
	Products map[string]DensityParams `yaml:"products"` // keyed by "kind/product" or "kind/product/packaging"
}

// Provider resolves density parameters with an in-memory cache in front
// of the yaml file. The file is small, but lookups happen per segment on
// the hot path and the cache keeps the resolution logic out of it.
type Provider struct {
	path  string
	data  *calibrationFile
	cache *cache.Cache
}

const (
	cacheExpiration = 10 * time.Minute
	cacheCleanup    = 30 * time.Minute
)

// NewProvider loads the calibration file at path. An empty path yields a
// provider that serves only the built-in defaults.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{
		path:  path,
		data:  &calibrationFile{},
		cache: cache.New(cacheExpiration, cacheCleanup),
	}

	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component("calibration").
			Category(errors.CategoryCalibration).
			Context("path", path).
			Build()
	}
	if err := yaml.Unmarshal(raw, p.data); err != nil {
		return nil, errors.New(fmt.Errorf("parsing calibration file: %w", err)).
			Component("calibration").
			Category(errors.CategoryCalibration).
			Context("path", path).
			Build()
	}

	for key, params := range p.data.Products {
		if !params.Valid() {
			return nil, errors.Newf("calibration entry %q has non-positive parameters", key).
				Component("calibration").
				Category(errors.CategoryValidation).
				Build()
		}
	}

	return p, nil
}

// builtinDefaults covers container kinds absent from the file. The tray
// default assumes a fairly dense herb tray; pot counting does not use
// density estimation so its default is only a safety net.
var builtinDefaults = map[string]DensityParams{
	"dense_tray":   {AvgPlantAreaCm2: 25.0, OverlapFactor: 1.15},
	"discrete_pot": {AvgPlantAreaCm2: 150.0, OverlapFactor: 1.0},
}

// DensityParams resolves parameters for the given container kind, product
// and packaging. Resolution order: kind/product/packaging, kind/product,
// file-level kind default, built-in kind default.
func (p *Provider) DensityParams(kind, product, packaging string) (DensityParams, error) {
	key := strings.Join([]string{kind, product, packaging}, "/")
	if cached, ok := p.cache.Get(key); ok {
		return cached.(DensityParams), nil
	}

	params, err := p.resolve(kind, product, packaging)
	if err != nil {
		return DensityParams{}, err
	}

	p.cache.Set(key, params, cache.DefaultExpiration)
	return params, nil
}

func (p *Provider) resolve(kind, product, packaging string) (DensityParams, error) {
	if product != "" {
		if packaging != "" {
			if params, ok := p.data.Products[kind+"/"+product+"/"+packaging]; ok {
				return params, nil
			}
		}
		if params, ok := p.data.Products[kind+"/"+product]; ok {
			return params, nil
		}
	}

	if params, ok := p.data.Defaults[kind]; ok && params.Valid() {
		return params, nil
	}
	if params, ok := builtinDefaults[kind]; ok {
		return params, nil
	}

	return DensityParams{}, errors.Newf("no calibration for container kind %q", kind).
		Component("calibration").
		Category(errors.CategoryCalibration).
		Context("kind", kind).
		Context("product", product).
		Build()
}

// Reload re-reads the calibration file and clears the cache. Used by the
// config reload path so updated densities apply without a restart.
func (p *Provider) Reload() error {
	fresh, err := NewProvider(p.path)
	if err != nil {
		return err
	}
	p.data = fresh.data
	p.cache.Flush()
	return nil
}
