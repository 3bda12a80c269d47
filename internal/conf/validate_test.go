package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	s := &Settings{}
	s.Detection.TileSize = 1000
	s.Detection.TileOverlap = 0.2
	s.Detection.NMSThreshold = 0.45
	s.Detection.Confidence = 0.35
	s.Segmentation.Confidence = 0.5
	s.Estimation.Enabled = true
	s.Estimation.PixelsPerCm = 8.0
	s.Pipeline.SubJobRetry.MaxRetries = 2
	s.Pipeline.SubJobRetry.Multiplier = 2.0
	s.Pipeline.StageTimeout = 2 * time.Minute
	s.Output.SQLite.Enabled = true
	return s
}

func TestValidateSettingsAcceptsDefaults(t *testing.T) {
	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{
			name:   "zero tile size",
			mutate: func(s *Settings) { s.Detection.TileSize = 0 },
			want:   "tilesize",
		},
		{
			name:   "overlap above half",
			mutate: func(s *Settings) { s.Detection.TileOverlap = 0.6 },
			want:   "tileoverlap",
		},
		{
			name:   "nms threshold out of range",
			mutate: func(s *Settings) { s.Detection.NMSThreshold = 1.0 },
			want:   "nmsthreshold",
		},
		{
			name:   "negative morph passes",
			mutate: func(s *Settings) { s.Segmentation.MorphPasses = -1 },
			want:   "morphpasses",
		},
		{
			name:   "estimation without scale",
			mutate: func(s *Settings) { s.Estimation.PixelsPerCm = 0 },
			want:   "pixelspercm",
		},
		{
			name:   "retry multiplier below one",
			mutate: func(s *Settings) { s.Pipeline.SubJobRetry.Multiplier = 0.5 },
			want:   "multiplier",
		},
		{
			name:   "both databases enabled",
			mutate: func(s *Settings) { s.Output.MySQL.Enabled = true },
			want:   "only one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := ValidateSettings(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
