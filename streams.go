package http2

// Streams is the set of streams open on a connection, kept sorted by id so
// Search is a binary search and the idle-stream-cancellation scan in
// serverConn.go can walk it in creation order.
type Streams []*Stream

// Insert adds s to the set, keeping the slice sorted by stream id.
func (strms *Streams) Insert(s *Stream) {
	list := *strms
	i := searchStreams(list, s.id)

	if i == len(list) {
		list = append(list, s)
	} else {
		list = append(list, nil)
		copy(list[i+1:], list[i:])
		list[i] = s
	}

	*strms = list
}

// Del removes and returns the stream with the given id, or nil.
func (strms *Streams) Del(id uint32) *Stream {
	list := *strms
	i := searchStreams(list, id)

	if i < len(list) && list[i].id == id {
		strm := list[i]
		list = append(list[:i], list[i+1:]...)
		*strms = list
		return strm
	}

	return nil
}

// Get returns the stream with the given id, or nil.
func (strms Streams) Get(id uint32) *Stream {
	i := searchStreams(strms, id)
	if i < len(strms) && strms[i].id == id {
		return strms[i]
	}

	return nil
}

// Search is an alias of Get, matching the call-site name used when
// resolving the stream a just-read frame belongs to.
func (strms Streams) Search(id uint32) *Stream {
	return strms.Get(id)
}

// GetFirstOf returns the oldest (lowest-id) stream still waiting on a frame
// of the given origin type — used to find the next request timeout due.
func (strms Streams) GetFirstOf(kind FrameType) *Stream {
	for _, s := range strms {
		if s.origType == kind {
			return s
		}
	}

	return nil
}

// getPrevious returns the last stream of the given origin type before the
// most recently inserted one, used to detect a client opening a new HEADERS
// stream while the previous one's header block is still incomplete (a
// CONTINUATION contiguity violation).
func (strms Streams) getPrevious(kind FrameType) *Stream {
	for i := len(strms) - 2; i >= 0; i-- {
		if strms[i].origType == kind {
			return strms[i]
		}
	}

	return nil
}

func searchStreams(list []*Stream, id uint32) int {
	lo, hi := 0, len(list)
	for lo < hi {
		mid := (lo + hi) / 2
		if list[mid].id < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
