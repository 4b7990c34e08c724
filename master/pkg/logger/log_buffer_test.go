package logger

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLogBufferKeepsNewest(t *testing.T) {
	buf := NewLogBuffer(3)
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(buf)

	for i := 0; i < 5; i++ {
		log.WithField("n", i).Info("tick")
	}
	require.Equal(t, 5, buf.Len())

	all := buf.Since(0, -1)
	require.Len(t, all, 3)
	require.Equal(t, 2, all[0].ID)
	require.Equal(t, `tick  n="4"`, all[2].Message)

	require.Len(t, buf.Since(3, 1), 1)
	require.Equal(t, 3, buf.Since(3, 1)[0].ID)
	require.Empty(t, buf.Since(5, -1))
}

func TestConfigValidate(t *testing.T) {
	require.Empty(t, DefaultConfig().Validate())
	require.Len(t, Config{Level: "loud"}.Validate(), 1)
}
