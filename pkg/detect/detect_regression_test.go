package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regression: a bundle whose source map, banner and URL all name the
// same library must collapse to one detection carrying the best of
// each signal.
func TestBundleSignalsCollapse(t *testing.T) {
	d := NewDetector()

	content := "/*! Lodash v4.17.21 */\nvar _ = require('lodash'); _.debounce(fn, 10);\n//# sourceMappingURL=vendor.js.map"
	sourceMap := []byte(`{"version":3,"sources":["webpack:///node_modules/lodash@4.17.21/index.js"]}`)

	dets := d.Detect("https://static.example.com/vendor/lodash-4.17.21.min.js", content, sourceMap)
	merged := Consolidate(dets)

	require.NotEmpty(t, merged)

	var lodash *Detection
	for i := range merged {
		if merged[i].Name == "lodash" {
			lodash = &merged[i]
		}
	}
	require.NotNil(t, lodash, "lodash must be detected: %+v", merged)

	assert.Equal(t, "4.17.21", lodash.Version)
	assert.Equal(t, 85, lodash.Confidence, "source-map confidence should win")
	assert.Contains(t, lodash.DetectionMethod, "url-pattern")
	assert.Contains(t, lodash.DetectionMethod, "source-map")
}

// Regression: consolidation must not invent versions across distinct
// libraries sharing a script.
func TestDistinctLibrariesKeepOwnVersions(t *testing.T) {
	merged := Consolidate([]Detection{
		{Name: "react", Version: "18.2.0", Confidence: 80, DetectionMethod: "url-pattern"},
		{Name: "react-dom", Version: "", Confidence: 70, DetectionMethod: "symbol-signature"},
	})

	require.Len(t, merged, 2)
	for _, det := range merged {
		if det.Name == "react-dom" {
			assert.Empty(t, det.Version, "react-dom must not inherit react's version")
		}
	}
}
