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
		cfg     Config
		level   zapcore.Level
		wantErr bool
	}{
		{"defaults", Config{}, zapcore.InfoLevel, false},
		{"debug console", Config{Level: "DEBUG", Format: "console"}, zapcore.DebugLevel, false},
		{"warn json", Config{Level: "warn", Format: "json"}, zapcore.WarnLevel, false},
		{"bad level", Config{Level: "loud"}, 0, true},
		{"bad format", Config{Format: "xml"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.level-1))
			}
		})
	}
}
