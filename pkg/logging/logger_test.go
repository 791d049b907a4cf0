package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger("debug", "text"))
	require.Equal(t, logrus.DebugLevel, Log.GetLevel())

	require.NoError(t, InitLogger("warn", "json"))
	require.Equal(t, logrus.WarnLevel, Log.GetLevel())
	_, ok := Log.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	require.Error(t, InitLogger("loud", "text"))
	require.Error(t, InitLogger("info", "xml"))
}
