package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicpusched/internal/bufpool"
)

func TestMbufStoreReadiness(t *testing.T) {
	var s QueueMbufStore
	counts := map[int]uint64{}
	assert.False(t, s.IsReady(), "unsized store is never ready")
	assert.False(t, s.Init(0, 1))
	require.True(t, s.Init(3, 10))
	require.True(t, s.Init(5, 99), "re-init keeps the first size")
	assert.Equal(t, 3, s.Slots())
	assert.Equal(t, int64(10), s.Birth())

	a, b, c := bufpool.MakeMbuf(1, 0), bufpool.MakeMbuf(1, 1), bufpool.MakeMbuf(1, 2)
	require.True(t, s.Store(0, a, counts))
	require.True(t, s.Store(2, c, counts))
	assert.False(t, s.IsReady())
	assert.False(t, s.Store(3, b, counts))
	require.True(t, s.Store(1, b, counts))
	assert.True(t, s.IsReady())

	out, ok := s.Consume(counts)
	require.True(t, ok)
	assert.Equal(t, []bufpool.Mbuf{a, b, c}, out)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, uint64(0), counts[0]+counts[1]+counts[2])
}

func TestMbufStoreDrain(t *testing.T) {
	var s QueueMbufStore
	counts := map[int]uint64{}
	require.True(t, s.Init(2, 1))
	s.Store(0, bufpool.MakeMbuf(1, 0), counts)
	s.Store(0, bufpool.MakeMbuf(1, 1), counts)
	s.Store(1, bufpool.MakeMbuf(1, 2), counts)
	assert.Len(t, s.Drain(counts), 3)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, uint64(0), counts[0])
	assert.Empty(t, s.Drain(counts))
}
