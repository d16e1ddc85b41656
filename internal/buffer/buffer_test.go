package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PushPullRoundTrip(t *testing.T) {
	p := Allocate(256)

	hdr, err := p.Push(14)
	require.NoError(t, err)
	assert.Len(t, hdr, 14)

	err = p.Pull(14)
	require.NoError(t, err)
	assert.True(t, p.Valid())
}

func Test_PushFailsWithoutHeadroom(t *testing.T) {
	p := FromBytes(make([]byte, 10))

	_, err := p.Push(1)
	require.Error(t, err)
}

func Test_PullFailsPastTail(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3})

	err := p.Pull(4)
	require.Error(t, err)
}

func Test_LayerOffsetsWithinBounds(t *testing.T) {
	p := Allocate(64)

	_, err := p.Push(20)
	require.NoError(t, err)
	p.SetLayer(LayerL3)

	require.NoError(t, p.Put([]byte{0xAA, 0xBB}))

	assert.True(t, p.Valid())

	off, ok := p.LayerOffset(LayerL3)
	require.True(t, ok)
	assert.GreaterOrEqual(t, off, 0)

	bytesAtLayer, ok := p.LayerBytes(LayerL3)
	require.True(t, ok)
	assert.Equal(t, 22, len(bytesAtLayer))
}

func Test_CloneIsIndependent(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3, 4})
	p.SetLayer(LayerL2)

	clone := p.Clone()
	require.NoError(t, clone.Pull(1))

	assert.Equal(t, 0, p.head)
	assert.Equal(t, 1, clone.head)
}
