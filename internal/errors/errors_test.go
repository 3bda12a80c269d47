package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderCarriesComponentCategoryContext(t *testing.T) {
	err := Newf("tile inference failed on attempt %d", 3).
		Component("detection").
		Category(CategoryInference).
		Context("tile_x", 1000).
		Context("tile_y", 500).
		Build()

	assert.Equal(t, "detection", err.GetComponent())
	assert.Equal(t, string(CategoryInference), err.GetCategory())
	assert.Equal(t, 1000, err.GetContext()["tile_x"])
	assert.Equal(t, 500, err.GetContext()["tile_y"])
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestEnhancedErrorUnwraps(t *testing.T) {
	base := fmt.Errorf("connection refused")
	wrapped := New(fmt.Errorf("saving event: %w", base)).
		Component("aggregation").
		Category(CategoryAggregation).
		Build()

	assert.True(t, Is(wrapped, base))

	var enhanced *EnhancedError
	require.True(t, As(wrapped, &enhanced))
	assert.Equal(t, string(CategoryAggregation), enhanced.GetCategory())
}

func TestCategoryDistinguishesDefectClasses(t *testing.T) {
	transform := Newf("box (4100,200) outside 4000x3000").
		Component("detection").
		Category(CategoryCoordinateTransform).
		Build()
	inference := Newf("interpreter invoke failed").
		Component("detection").
		Category(CategoryInference).
		Build()

	assert.NotEqual(t, transform.GetCategory(), inference.GetCategory())
}

func TestSessionContextShortcut(t *testing.T) {
	err := Newf("stage timed out").
		Component("pipeline").
		Category(CategoryTimeout).
		SessionContext("sess-42").
		Build()

	assert.Equal(t, "sess-42", err.GetContext()["session_id"])
}
