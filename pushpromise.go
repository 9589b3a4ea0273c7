package http2

import (
	"sync"

	"github.com/nwire/h2/http2utils"
)

const FramePushPromise FrameType = 0x5

var _ Frame = &PushPromise{}

var pushPromisePool = sync.Pool{
	New: func() interface{} {
		return &PushPromise{}
	},
}

// AcquirePushPromise returns a PushPromise from the pool.
func AcquirePushPromise() *PushPromise {
	return pushPromisePool.Get().(*PushPromise)
}

// ReleasePushPromise resets pp and returns it to the pool.
func ReleasePushPromise(pp *PushPromise) {
	pp.Reset()
	pushPromisePool.Put(pp)
}

// PushPromise https://tools.ietf.org/html/rfc7540#section-6.6
type PushPromise struct {
	pad    bool
	ended  bool
	stream uint32
	header []byte // header block fragment
}

func (pp *PushPromise) Type() FrameType {
	return FramePushPromise
}

func (pp *PushPromise) Reset() {
	pp.pad = false
	pp.ended = false
	pp.stream = 0
	pp.header = pp.header[:0]
}

// Stream returns the promised stream id.
func (pp *PushPromise) Stream() uint32 {
	return pp.stream
}

// SetStream sets the promised stream id.
func (pp *PushPromise) SetStream(stream uint32) {
	pp.stream = stream & (1<<31 - 1)
}

// EndHeaders reports whether the header block ends in this frame.
func (pp *PushPromise) EndHeaders() bool {
	return pp.ended
}

// SetEndHeaders marks the header block as complete.
func (pp *PushPromise) SetEndHeaders(value bool) {
	pp.ended = value
}

// Headers returns the header block fragment.
func (pp *PushPromise) Headers() []byte {
	return pp.header
}

func (pp *PushPromise) SetHeader(h []byte) {
	pp.header = append(pp.header[:0], h...)
}

func (pp *PushPromise) Write(b []byte) (int, error) {
	n := len(b)
	pp.header = append(pp.header, b...)
	return n, nil
}

func (pp *PushPromise) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	if len(payload) < 4 {
		return ErrMissingBytes
	}

	pp.stream = http2utils.BytesToUint32(payload) & (1<<31 - 1)
	pp.header = append(pp.header, payload[4:]...)
	pp.ended = fr.Flags().Has(FlagEndHeaders)

	return nil
}

func (pp *PushPromise) Serialize(fr *FrameHeader) {
	if pp.ended {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}

	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], pp.stream)
	fr.payload = append(fr.payload, pp.header...)
}
