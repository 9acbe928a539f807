package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level logrus.Level, debugOverride bool, filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return New(l, debugOverride, filter), &buf
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.InfoLevel, false, nil)
	l.Debugf("cdp", "hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Infof("cdp", "shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
	assert.Contains(t, buf.String(), "category=cdp")
	assert.False(t, l.DebugMode())
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.InfoLevel, true, nil)
	l.Debugf("session", "reaping %s", "browser")
	assert.Contains(t, buf.String(), "reaping browser")
	assert.True(t, l.DebugMode())
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.DebugLevel, false, regexp.MustCompile(`^cdp`))
	l.Debugf("session", "dropped")
	l.Debugf("cdp:recvLoop", "kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger(logrus.InfoLevel, false, nil)
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	assert.Error(t, l.SetLevel("loud"))
}

func TestNullLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		NewNullLogger().Errorf("any", "message %v", 1)
		var nilLogger *Logger
		nilLogger.Debugf("any", "message")
	})
}
