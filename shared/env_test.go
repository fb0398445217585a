package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvInt(t *testing.T) {
	t.Setenv("SIGNAL_TEST_INT", " 42 ")
	assert.Equal(t, 42, EnvInt("SIGNAL_TEST_INT", 7))

	t.Setenv("SIGNAL_TEST_INT", "forty")
	assert.Equal(t, 7, EnvInt("SIGNAL_TEST_INT", 7))

	t.Setenv("SIGNAL_TEST_INT", "")
	assert.Equal(t, 7, EnvInt("SIGNAL_TEST_INT", 7))
}

func TestEnvBoolAndDuration(t *testing.T) {
	t.Setenv("SIGNAL_TEST_BOOL", "false")
	assert.False(t, EnvBool("SIGNAL_TEST_BOOL", true))
	t.Setenv("SIGNAL_TEST_BOOL", "maybe")
	assert.True(t, EnvBool("SIGNAL_TEST_BOOL", true))

	t.Setenv("SIGNAL_TEST_DURATION", "750ms")
	assert.Equal(t, 750*time.Millisecond, EnvDuration("SIGNAL_TEST_DURATION", time.Second))
	t.Setenv("SIGNAL_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, EnvDuration("SIGNAL_TEST_DURATION", time.Second))
}

func TestEnvList(t *testing.T) {
	t.Setenv("SIGNAL_TEST_LIST", "kafka-1:9092, ,kafka-2:9092,")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, EnvList("SIGNAL_TEST_LIST"))

	t.Setenv("SIGNAL_TEST_LIST", "")
	assert.Nil(t, EnvList("SIGNAL_TEST_LIST"))
}
