package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamsInsertSorted(t *testing.T) {
	var strms Streams

	strms.Insert(NewStream(5, 100))
	strms.Insert(NewStream(1, 100))
	strms.Insert(NewStream(3, 100))

	ids := make([]uint32, 0, 3)
	for _, s := range strms {
		ids = append(ids, s.ID())
	}

	assert.Equal(t, []uint32{1, 3, 5}, ids)
}

func TestStreamsGetAndSearch(t *testing.T) {
	var strms Streams
	strms.Insert(NewStream(1, 100))
	strms.Insert(NewStream(7, 100))

	require.NotNil(t, strms.Get(7))
	require.Equal(t, uint32(7), strms.Search(7).ID())
	assert.Nil(t, strms.Get(42))
}

func TestStreamsDel(t *testing.T) {
	var strms Streams
	strms.Insert(NewStream(1, 100))
	strms.Insert(NewStream(2, 100))

	removed := strms.Del(1)
	require.NotNil(t, removed)
	assert.Equal(t, uint32(1), removed.ID())
	assert.Len(t, strms, 1)
	assert.Nil(t, strms.Del(1))
}

func TestStreamsGetFirstOfAndGetPrevious(t *testing.T) {
	var strms Streams

	a := NewStream(1, 100)
	a.origType = FrameHeaders
	b := NewStream(2, 100)
	b.origType = FramePriority
	c := NewStream(3, 100)
	c.origType = FrameHeaders

	strms.Insert(a)
	strms.Insert(b)
	strms.Insert(c)

	first := strms.GetFirstOf(FrameHeaders)
	require.NotNil(t, first)
	assert.Equal(t, uint32(1), first.ID())

	// the newest entry (stream 3) is excluded; stream 1 is the previous
	// HEADERS-originated stream
	prev := strms.getPrevious(FrameHeaders)
	require.NotNil(t, prev)
	assert.Equal(t, uint32(1), prev.ID())

	assert.Nil(t, strms.getPrevious(FramePushPromise))
}
