package logging

import (
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logging.DEBUG, ParseLevel("debug"))
	assert.Equal(t, logging.WARNING, ParseLevel("WARNING"))
	assert.Equal(t, logging.INFO, ParseLevel("chatty"))
	assert.Equal(t, logging.INFO, ParseLevel(""))
}

func TestSetupHonoursEnv(t *testing.T) {
	t.Setenv(LevelEnv, "ERROR")
	leveled := Setup("debug")

	assert.Equal(t, logging.ERROR, leveled.GetLevel("client"))
	assert.False(t, leveled.IsEnabledFor(logging.INFO, "client"))
}
