package logger

import (
	"testing"

	"github.com/sirupsen/logrus"

	"guardx/internal/config"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		name      string
		cfg       config.LogConfig
		wantLevel logrus.Level
		wantJSON  bool
	}{
		{"テキストinfo", config.LogConfig{Level: "info", Format: "text"}, logrus.InfoLevel, false},
		{"JSON debug", config.LogConfig{Level: "debug", Format: "json"}, logrus.DebugLevel, true},
		{"不明なレベル", config.LogConfig{Level: "loud", Format: "text"}, logrus.InfoLevel, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			log := New(tc.cfg)
			if log.GetLevel() != tc.wantLevel {
				t.Errorf("level: got %v, want %v", log.GetLevel(), tc.wantLevel)
			}
			_, isJSON := log.Formatter.(*logrus.JSONFormatter)
			if isJSON != tc.wantJSON {
				t.Errorf("json formatter: got %v, want %v", isJSON, tc.wantJSON)
			}
		})
	}
}
