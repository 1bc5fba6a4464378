package progress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		line     string
		pct      float64
		category Category
		desc     string
	}{
		{"Simulation progress: 45%", 45, CategoryPercentage, "Simulation progress"},
		{"optimisation progress 12.5%", 12.5, CategoryPercentage, "Optimisation progress"},
		{"Calibration phase: 30%", 30, CategoryPhase, "Calibration phase"},
		{"Post-processing - 80%", 80, CategoryPhase, "Post-processing phase"},
		{"Iteration 5 of 20 - 45%", 45, CategoryIteration, "Iteration 5 of 20"},
		{"Iteration 5 of 20", 25, CategoryIteration, "Iteration 5 of 20"},
		{"iteration 7", 0, CategoryIteration, "Iteration 7"},
		{"Time step 150 of 1000", 15, CategoryTimeStep, "Time step 150 of 1000"},
		{"Progress: 62%", 62, CategoryPercentage, "Progress: 62%"},
		{"3/4 nodes", 75, CategoryFraction, "3 of 4"},
		{"Step 2 of 5", 40, CategoryStep, "Step 2 of 5"},
		{"step 1 / 4", 25, CategoryStep, "Step 1 of 4"},
		{"Loading model file", 0, CategoryUnknown, "Loading..."},
		{"Simulation completed", 100, CategoryCompletion, "Simulation completed"},
		{"All done", 100, CategoryCompletion, "All done"},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			info, ok := Parse(tc.line)
			require.True(t, ok)
			assert.InDelta(t, tc.pct, info.Percentage, 0.001)
			assert.Equal(t, tc.category, info.Category)
			assert.Equal(t, tc.desc, info.Description)
			assert.Equal(t, tc.line, info.Source)
		})
	}
}

func TestParse_NoMatch(t *testing.T) {
	for _, line := range []string{"", "   ", "hello world", "abandoned"} {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParse_ClampsPercentage(t *testing.T) {
	info, ok := Parse("Progress: 150%")
	require.True(t, ok)
	assert.Equal(t, 100.0, info.Percentage)
	assert.True(t, info.IsCompletion())
}

func TestParse_ZeroDenominator(t *testing.T) {
	info, ok := Parse("Step 3 of 0")
	require.True(t, ok)
	assert.Equal(t, 0.0, info.Percentage)
}

func TestNew_Clamps(t *testing.T) {
	assert.Equal(t, 0.0, New(-5, "", "", CategoryPercentage).Percentage)
	assert.Equal(t, 100.0, New(101, "", "", CategoryPercentage).Percentage)
	assert.Equal(t, 0.0, New(math.NaN(), "", "", CategoryPercentage).Percentage)
	assert.Equal(t, 42.0, New(42, "", "", CategoryPercentage).Percentage)
}

func TestIsCompletion(t *testing.T) {
	assert.True(t, New(0, "", "", CategoryCompletion).IsCompletion())
	assert.True(t, New(100, "", "", CategoryPercentage).IsCompletion())
	assert.False(t, New(99.9, "", "", CategoryPercentage).IsCompletion())
}

func TestFromStructured(t *testing.T) {
	info := FromStructured(50, "integrating")
	assert.Equal(t, 50.0, info.Percentage)
	assert.Equal(t, "integrating", info.Description)
	assert.Equal(t, CategoryPercentage, info.Category)

	assert.Equal(t, "Processing...", FromStructured(10, "").Description)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Loading: parsing nodes", Describe("load_model_string", "parsing nodes"))
	assert.Equal(t, "Simulating: day 3", Describe("run_simulation", "day 3"))
	assert.Equal(t, "Optimising: gen 4", Describe("run_optimisation", "gen 4"))
	assert.Equal(t, "custom", Describe("get_state", "custom"))
	assert.Equal(t, "Processing...", Describe("run_simulation", ""))
}
