package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zapcore.Level
		wantErr string
	}{
		{name: "json info", level: "info", format: "json", want: zapcore.InfoLevel},
		{name: "console debug", level: "DEBUG", format: "console", want: zapcore.DebugLevel},
		{name: "default format", level: "warn", format: "", want: zapcore.WarnLevel},
		{name: "bad level", level: "loud", format: "json", wantErr: "parse log level"},
		{name: "bad format", level: "info", format: "xml", wantErr: "unknown log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, level, err := New(tt.level, tt.format)

			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, level.Level())
			assert.True(t, logger.Core().Enabled(tt.want))
		})
	}
}

func TestNew_LevelIsAdjustable(t *testing.T) {
	logger, level, err := New("info", "json")
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
