package localauth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRejectsWrongToken(t *testing.T) {
	g := New("trusted")
	err := g.Check("wrong", 1)
	require.Error(t, err)
	var invalid ErrInvalidToken
	assert.True(t, errors.As(err, &invalid))
}

func TestCheckRequiresStrictlyIncreasingNonce(t *testing.T) {
	g := New("trusted")
	require.NoError(t, g.Check("trusted", 1))
	require.NoError(t, g.Check("trusted", 2))

	err := g.Check("trusted", 2)
	require.Error(t, err)
	var stale ErrStaleNonce
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, int64(2), stale.Last)
	assert.Equal(t, int64(2), stale.Got)

	err = g.Check("trusted", 1)
	require.Error(t, err)
}

func TestCheckRejectsEmptyToken(t *testing.T) {
	g := New("trusted")
	err := g.Check("", 1)
	require.Error(t, err)
}
