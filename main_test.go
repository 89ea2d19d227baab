package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"":        logrus.WarnLevel,
		"debug":   logrus.DebugLevel,
		" INFO ":  logrus.InfoLevel,
		"error":   logrus.ErrorLevel,
		"verbose": logrus.WarnLevel,
	}
	for value, want := range tests {
		t.Setenv("LOG_LEVEL", value)
		assert.Equal(t, want, parseLogLevel(), "LOG_LEVEL=%q", value)
	}
}

func TestEffectiveLogLevel_StdioKeepsRequestedVerbosity(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, effectiveLogLevel(logrus.DebugLevel, true))
	assert.Equal(t, logrus.InfoLevel, effectiveLogLevel(logrus.InfoLevel, true))
	assert.Equal(t, logrus.WarnLevel, effectiveLogLevel(logrus.WarnLevel, true))
}

func TestEffectiveLogLevel_StdioNeverDropsWarnings(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, effectiveLogLevel(logrus.ErrorLevel, true))
	assert.Equal(t, logrus.WarnLevel, effectiveLogLevel(logrus.PanicLevel, true))

	assert.Equal(t, logrus.ErrorLevel, effectiveLogLevel(logrus.ErrorLevel, false))
}
