package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	a, err := Parse([]string{"model.bin", "-s", "123"})
	require.NoError(t, err)
	assert.Equal(t, "model.bin", a.Checkpoint)
	assert.EqualValues(t, 1.0, a.Temperature)
	assert.Equal(t, float32(0.9), a.TopP)
	assert.Equal(t, 256, a.Steps)
	assert.Equal(t, uint64(123), a.Seed)
}

func TestParseAllFlags(t *testing.T) {
	a, err := Parse([]string{"model.bin", "-t", "0.8", "-p", "0.95", "-s", "42", "-n", "64", "-i", "hello"})
	require.NoError(t, err)
	assert.Equal(t, float32(0.8), a.Temperature)
	assert.Equal(t, float32(0.95), a.TopP)
	assert.Equal(t, uint64(42), a.Seed)
	assert.Equal(t, 64, a.Steps)
	assert.Equal(t, "hello", a.Prompt)
}

func TestParseRejectsMissingCheckpoint(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseRejectsLongFlag(t *testing.T) {
	_, err := Parse([]string{"model.bin", "--temp", "0.8"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"model.bin", "-z", "1"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseRejectsDanglingFlag(t *testing.T) {
	_, err := Parse([]string{"model.bin", "-t"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseRejectsSeedZero(t *testing.T) {
	_, err := Parse([]string{"model.bin", "-s", "0"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestParseRejectsNegativeSteps(t *testing.T) {
	_, err := Parse([]string{"model.bin", "-s", "1", "-n", "-5"})
	assert.ErrorIs(t, err, ErrUsage)
}
