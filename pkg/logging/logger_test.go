package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_Levels(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "info", "Warn", "ERROR", "bogus"} {
		l, err := NewZapLogger(lvl)
		require.NoError(t, err)
		require.NotNil(t, l)
		l.Info("level smoke test", "level", lvl)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestWithFieldReturnsChild(t *testing.T) {
	l, err := NewZapLogger("INFO")
	require.NoError(t, err)

	child := l.WithField("component", "test")
	require.NotNil(t, child)
	child.Info("child logger works")

	multi := l.WithFields(map[string]interface{}{"a": 1, "b": "two"})
	multi.Info("multi-field logger works")
}
