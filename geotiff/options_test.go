package geotiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	t.Setenv("GDAL_NUM_THREADS", "32")
	o := DefaultOptions()

	assert.False(t, o.IgnoreReadErrors)
	assert.Equal(t, DefaultGeorefSources, o.GeorefSources)
	assert.Equal(t, 4, o.NumThreads)
	assert.EqualValues(t, 64<<20, o.MaxRequestBytes)
	assert.EqualValues(t, 16384, o.RangeMergeGap)
	assert.True(t, o.StripChop)
	assert.EqualValues(t, 8192, o.StripChopBytes)
	assert.Equal(t, 3, o.FetchRetries)
	assert.Equal(t, 100*time.Millisecond, o.FetchRetryDelay)
	assert.Equal(t, 1, o.Directory)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("GDAL_GEOREF_SOURCES", "internal, worldfile")
	t.Setenv("GDAL_NUM_THREADS", "8")
	t.Setenv("GTIFF_IGNORE_READ_ERRORS", "true")
	t.Setenv("GTIFF_POINT_GEO_IGNORE", "TRUE")
	t.Setenv("GTIFF_FETCH_RETRY_DELAY", "2s")

	o, err := OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, GeorefSources{SourceInternal, SourceWorldFile}, o.GeorefSources)
	assert.Equal(t, 8, o.NumThreads)
	assert.True(t, o.IgnoreReadErrors)
	assert.True(t, o.PointGeoIgnore)
	assert.Equal(t, 2*time.Second, o.FetchRetryDelay)

	t.Setenv("GDAL_GEOREF_SOURCES", "INTERNAL,GUESS")
	_, err = OptionsFromEnv()
	assert.Error(t, err)
}

func TestGeorefSourcesText(t *testing.T) {
	testCases := []struct {
		in      string
		want    GeorefSources
		wantErr bool
	}{
		{"PAM,INTERNAL,TABFILE,WORLDFILE,XML", DefaultGeorefSources, false},
		{"tabfile", GeorefSources{SourceTabFile}, false},
		{"NONE", GeorefSources{}, false},
		{"INTERNAL,NONE", GeorefSources{}, false},
		{"", GeorefSources{}, false},
		{"WORLD", nil, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			var s GeorefSources
			err := s.UnmarshalText([]byte(tc.in))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, s)
			assert.NotNil(t, s)
		})
	}

	assert.Equal(t, "INTERNAL,WORLDFILE", GeorefSources{SourceInternal, SourceWorldFile}.String())
	assert.Equal(t, "NONE", GeorefSources{}.String())
	assert.Equal(t, "GeorefSource(42)", GeorefSource(42).String())
}

func TestNormalizedOptions(t *testing.T) {
	o := Options{NumThreads: -3, Directory: 0, FetchRetries: -1}.normalized()
	assert.Equal(t, 1, o.NumThreads)
	assert.Equal(t, 1, o.Directory)
	assert.Zero(t, o.FetchRetries)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Registry)
	assert.NotNil(t, o.Metrics)
	assert.Equal(t, DefaultGeorefSources, o.sources())

	o.GeorefSources = GeorefSources{}
	assert.Empty(t, o.sources())
	assert.NotNil(t, o.sources())
}
