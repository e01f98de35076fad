package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_Levels(t *testing.T) {
	for _, level := range []string{"DEBUG", "info", "Warn", "ERROR", "FATAL", ""} {
		l, err := NewZapLogger(level)
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, l)
	}

	_, err := NewZapLogger("VERBOSE")
	assert.Error(t, err)
}

func TestWithField_ReturnsIndependentLogger(t *testing.T) {
	l, err := NewZapLogger("INFO")
	require.NoError(t, err)

	child := l.WithField("component", "test")
	require.NotNil(t, child)
	assert.NotSame(t, l, child)

	// Both must be safe to use.
	l.Info("parent message", "k", "v")
	child.Info("child message", "k", "v")
}

func TestNop_DiscardsEverything(t *testing.T) {
	l := Nop()
	l.Debug("msg")
	l.Info("msg", "key", 1)
	l.Warn("msg", "odd-field-count")
	l.Error("msg", "err", assert.AnError)
}
