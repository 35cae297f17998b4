package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfies(t *testing.T) {
	ok, err := Satisfies(">=0.1.0, <1.0.0", "0.3.2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfies("^1.0", "0.9.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Satisfies("not a constraint", "1.0.0")
	assert.Error(t, err)

	_, err = Satisfies(">=1.0.0", "banana")
	assert.Error(t, err)
}

func TestVersionIsSemver(t *testing.T) {
	ok, err := Satisfies(">=0.0.0", Version)
	require.NoError(t, err)
	assert.True(t, ok)
}
