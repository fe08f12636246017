package e

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestN(t *testing.T) {
	err := N("010101", "something broke")
	require.Error(t, err)

	ee := AsExtendedError(err)
	require.NotNil(t, ee)
	assert.Equal(t, "010101: something broke", ee.Message)
	assert.True(t, Contains(err, "010101"))
}

func TestWWrapsAndAccumulatesCodes(t *testing.T) {
	orig := errors.New("disk full")

	err := W(orig, "010102")
	require.Error(t, err)

	ee := AsExtendedError(err)
	require.NotNil(t, ee)
	assert.True(t, ee.IsError(orig))
	assert.Equal(t, NewStr("010102", MsgUnknownInternalServerError), ee.Message)

	// Wrapping again keeps one ExtendedError and stacks the codes
	err2 := W(err, "020203")
	ee2 := AsExtendedError(err2)
	require.Same(t, ee, ee2)
	assert.True(t, Contains(err2, "010102"))
	assert.True(t, Contains(err2, "020203"))
	assert.True(t, ContainsError(err2, "disk full"))
}

func TestWM(t *testing.T) {
	err := WM(errors.New("pq: deadlock detected"), "010103", "try again later")
	ee := AsExtendedError(err)
	require.NotNil(t, ee)
	assert.Equal(t, "010103: try again later", ee.Message)
}

func TestIsNoRowsPQError(t *testing.T) {
	err := W(errors.New("sql: no rows in result set"), "010104")
	assert.True(t, IsNoRowsPQError(err))
	assert.False(t, IsNoRowsPQError(N("010105", "other")))
}
