package http2

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/nwire/h2/http2utils"
)

// roundTrip serializes fr (header + body) into a buffer and parses it back,
// returning the re-read FrameHeader. The caller releases it.
func roundTrip(t *testing.T, fr *FrameHeader) *FrameHeader {
	t.Helper()

	bf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(bf)

	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFrameFrom(bufio.NewReader(bf))
	if err != nil {
		t.Fatal(err)
	}

	if got.Type() != fr.Type() {
		t.Fatalf("frame type changed across the wire: %s <> %s", got.Type(), fr.Type())
	}
	if got.Stream() != fr.Stream() {
		t.Fatalf("stream id changed across the wire: %d <> %d", got.Stream(), fr.Stream())
	}

	return got
}

func TestDataRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(3)

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(true)
	data.SetData([]byte("hello"))
	fr.SetBody(data)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	d := got.Body().(*Data)
	if !d.EndStream() {
		t.Fatal("END_STREAM lost")
	}
	if string(d.Data()) != "hello" {
		t.Fatalf("payload mismatch: %q", d.Data())
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(1)

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(true)
	h.SetHeaders([]byte{0x82, 0x84}) // :method GET, :path /
	fr.SetBody(h)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	h2 := got.Body().(*Headers)
	if !h2.EndHeaders() || !h2.EndStream() {
		t.Fatal("flags lost")
	}
	if !bytes.Equal(h2.Headers(), []byte{0x82, 0x84}) {
		t.Fatalf("header block mismatch: %v", h2.Headers())
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(5)

	pry := AcquireFrame(FramePriority).(*Priority)
	pry.SetStream(3)
	pry.SetWeight(10)
	fr.SetBody(pry)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	if got.Len() != 5 {
		t.Fatalf("priority payload must be 5 bytes, got %d", got.Len())
	}

	p := got.Body().(*Priority)
	if p.Stream() != 3 || p.Weight() != 10 {
		t.Fatalf("priority fields lost: dep=%d weight=%d", p.Stream(), p.Weight())
	}
}

func TestRstStreamRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(7)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(StreamCanceled)
	fr.SetBody(rst)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	if code := got.Body().(*RstStream).Code(); code != StreamCanceled {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetHeaderTableSize(8192)
	st.SetMaxConcurrentStreams(128)
	st.SetMaxWindowSize(1 << 20)
	st.SetMaxFrameSize(1 << 15)
	st.SetMaxHeaderListSize(1 << 16)
	st.SetPush(false)
	fr.SetBody(st)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	st2 := got.Body().(*Settings)
	if st2.IsAck() {
		t.Fatal("a full settings frame is not an ack")
	}
	if st2.HeaderTableSize() != 8192 ||
		st2.MaxConcurrentStreams() != 128 ||
		st2.MaxWindowSize() != 1<<20 ||
		st2.FrameSize() != 1<<15 ||
		st2.MaxHeaderListSize() != 1<<16 ||
		st2.Push() {
		t.Fatalf("settings values lost: %+v", st2)
	}
}

func TestPushPromiseRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(1)

	pp := AcquireFrame(FramePushPromise).(*PushPromise)
	pp.SetStream(2)
	pp.SetEndHeaders(true)
	pp.SetHeader([]byte{0x82})
	fr.SetBody(pp)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	pp2 := got.Body().(*PushPromise)
	if pp2.Stream() != 2 {
		t.Fatalf("promised stream lost: %d", pp2.Stream())
	}
	if !pp2.EndHeaders() {
		t.Fatal("END_HEADERS lost")
	}
	if !bytes.Equal(pp2.Headers(), []byte{0x82}) {
		t.Fatalf("header block mismatch: %v", pp2.Headers())
	}
}

func TestPingRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetData([]byte("12345678"))
	ping.SetAck(true)
	fr.SetBody(ping)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	p := got.Body().(*Ping)
	if !p.IsAck() {
		t.Fatal("ACK lost")
	}
	if string(p.Data()) != "12345678" {
		t.Fatalf("opaque data mismatch: %q", p.Data())
	}
}

func TestGoAwayRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(13)
	ga.SetCode(EnhanceYourCalm)
	ga.SetData([]byte("slow down"))
	fr.SetBody(ga)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	ga2 := got.Body().(*GoAway)
	if ga2.Stream() != 13 || ga2.Code() != EnhanceYourCalm {
		t.Fatalf("goaway fields lost: stream=%d code=%s", ga2.Stream(), ga2.Code())
	}
	if string(ga2.Data()) != "slow down" {
		t.Fatalf("debug data mismatch: %q", ga2.Data())
	}
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(9)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(65535)
	fr.SetBody(wu)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	if inc := got.Body().(*WindowUpdate).Increment(); inc != 65535 {
		t.Fatalf("increment mismatch: %d", inc)
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(1)

	c := AcquireFrame(FrameContinuation).(*Continuation)
	c.SetEndHeaders(true)
	c.SetHeader([]byte{0x84})
	fr.SetBody(c)

	got := roundTrip(t, fr)
	defer ReleaseFrameHeader(got)

	c2 := got.Body().(*Continuation)
	if !c2.EndHeaders() {
		t.Fatal("END_HEADERS lost")
	}
	if !bytes.Equal(c2.Headers(), []byte{0x84}) {
		t.Fatalf("fragment mismatch: %v", c2.Headers())
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var h [9]byte
	http2utils.Uint24ToBytes(h[:3], defaultMaxLen+1)
	h[3] = byte(FrameData)

	bf := bytes.NewBuffer(h[:])
	bf.Write(make([]byte, defaultMaxLen+1))

	_, err := ReadFrameFrom(bufio.NewReader(bf))
	if err != ErrPayloadExceeds {
		t.Fatalf("expected ErrPayloadExceeds, got %v", err)
	}
}

// TestReadFrameConsumesUnknownType checks that the codec reports an unknown
// frame type with its sentinel error while consuming the payload bytes, so
// the caller can ignore the frame and keep reading the ones that follow.
func TestReadFrameConsumesUnknownType(t *testing.T) {
	bf := bytes.NewBuffer(nil)

	var h [9]byte
	http2utils.Uint24ToBytes(h[:3], 4)
	h[3] = 0xfa // not a defined frame type
	bf.Write(h[:])
	bf.Write([]byte{1, 2, 3, 4})

	ping := AcquireFrameHeader()
	defer ReleaseFrameHeader(ping)
	ping.SetBody(AcquireFrame(FramePing))

	bw := bufio.NewWriter(bf)
	if _, err := ping.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(bf)

	_, err := ReadFrameFrom(br)
	if err != ErrUnknownFrameType {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}

	fr, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FramePing {
		t.Fatalf("expected the ping after the unknown frame, got %s", fr.Type())
	}
}
