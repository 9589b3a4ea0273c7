package http2

import (
	"bufio"
	"bytes"
	"fmt"
	"testing"
)

func TestWriteInt(t *testing.T) {
	n := uint64(15)
	nn := uint64(1337)
	nnn := uint64(122)
	b15 := []byte{15}
	b1337 := []byte{31, 154, 10}
	b122 := []byte{122}
	dst := make([]byte, 3)

	dst = writeInt(dst, 5, n)
	if !bytes.Equal(dst[:1], b15) {
		t.Fatalf("got %v. Expects %v", dst[:1], b15)
	}

	dst = writeInt(dst, 5, nn)
	if !bytes.Equal(dst, b1337) {
		t.Fatalf("got %v. Expects %v", dst, b1337)
	}

	dst[0] = 0
	dst = writeInt(dst, 7, nnn)
	if !bytes.Equal(dst[:1], b122) {
		t.Fatalf("got %v. Expects %v", dst[:1], b122)
	}
}

func TestAppendInt(t *testing.T) {
	n := uint64(15)
	nn := uint64(1337)
	nnn := uint64(122)
	b15 := []byte{15}
	b1337 := []byte{31, 154, 10}
	b122 := []byte{122}
	var dst []byte

	dst = appendInt(dst, 5, n)
	if !bytes.Equal(dst, b15) {
		t.Fatalf("got %v. Expects %v", dst[:1], b15)
	}

	dst = appendInt(dst, 5, nn)
	if !bytes.Equal(dst, b1337) {
		t.Fatalf("got %v. Expects %v", dst, b1337)
	}

	dst[0] = 0
	dst = appendInt(dst[:1], 7, nnn)
	if !bytes.Equal(dst[:1], b122) {
		t.Fatalf("got %v. Expects %v", dst[:1], b122)
	}
}

func checkInt(t *testing.T, err error, n, e uint64, elen int, b []byte) {
	if err != nil {
		t.Fatal(err)
	}
	if n != e {
		t.Fatalf("%d <> %d", n, e)
	}
	if b != nil && len(b) != elen {
		t.Fatalf("bad length. Got %d. Expected %d", len(b), elen)
	}
}

func TestReadInt(t *testing.T) {
	var err error
	n := uint64(0)
	b := []byte{15, 31, 154, 10, 122}

	b, n, err = readInt(5, b)
	checkInt(t, err, n, 15, 4, b)

	b, n, err = readInt(5, b)
	checkInt(t, err, n, 1337, 1, b)

	b, n, err = readInt(7, b)
	checkInt(t, err, n, 122, 0, b)
}

func TestReadIntFrom(t *testing.T) {
	var n uint64
	var err error
	br := bufio.NewReader(
		bytes.NewBuffer([]byte{15, 31, 154, 10, 122}),
	)

	n, err = readIntFrom(7, br)
	checkInt(t, err, n, 15, 0, nil)

	n, err = readIntFrom(5, br)
	checkInt(t, err, n, 1337, 0, nil)

	n, err = readIntFrom(7, br)
	checkInt(t, err, n, 122, 0, nil)
}

func TestWriteTwoStrings(t *testing.T) {
	var dstA []byte
	var dstB []byte
	var err error
	strA := []byte(":status")
	strB := []byte("200")

	dst := writeString(nil, strA, false)
	dst = writeString(dst, strB, false)

	dstA, dst, err = readString(nil, dst)
	if err != nil {
		t.Fatal(err)
	}
	dstB, dst, err = readString(nil, dst)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(strA, dstA) {
		t.Fatalf("%s<>%s", dstA, strA)
	}
	if !bytes.Equal(strB, dstB) {
		t.Fatalf("%s<>%s", dstB, strB)
	}
}

// decodeAll runs Next over b until exhausted, returning a snapshot
// (copied, not pool-owned) of every field it decoded in order.
func decodeAll(t *testing.T, hp *HPACK, b []byte) []*HeaderField {
	t.Helper()

	var out []*HeaderField

	for len(b) > 0 {
		hf := AcquireHeaderField()

		var err error
		b, err = hp.Next(hf, b)
		if err != nil {
			t.Fatal(err)
		}

		snap := &HeaderField{}
		hf.CopyTo(snap)
		out = append(out, snap)

		ReleaseHeaderField(hf)
	}

	return out
}

func checkField(t *testing.T, fields []*HeaderField, i int, k, v string) {
	t.Helper()

	if len(fields) <= i {
		t.Fatalf("fields len exceeded. %d <> %d", len(fields), i)
	}
	hf := fields[i]
	if hf.Key() != k {
		t.Fatalf("unexpected key: %s<>%s", hf.Key(), k)
	}
	if hf.Value() != v {
		t.Fatalf("unexpected value: %s<>%s", hf.Value(), v)
	}
}

// checkDynamic walks hp's dynamic table, most-recently-added first, and
// compares it against the expected (key, value) pairs in that order.
func checkDynamic(t *testing.T, hp *HPACK, expect [][2]string) {
	t.Helper()

	if len(hp.dynamic) != len(expect) {
		t.Fatalf("dynamic table len: got %d, expected %d", len(hp.dynamic), len(expect))
	}

	for i, e := range expect {
		hf := hp.dynamic[i]
		if hf.Key() != e[0] || hf.Value() != e[1] {
			t.Fatalf("dynamic[%d]: got (%s, %s), expected (%s, %s)", i, hf.Key(), hf.Value(), e[0], e[1])
		}
	}
}

// The three fixtures below are RFC 7541 Appendix C.6's "Response Examples
// with Huffman Coding", decoded with a 256-byte dynamic table as the
// appendix specifies.

func TestReadResponseWithHuffman(t *testing.T) {
	b := []byte{
		0x48, 0x82, 0x64, 0x02, 0x58, 0x85,
		0xae, 0xc3, 0x77, 0x1a, 0x4b, 0x61,
		0x96, 0xd0, 0x7a, 0xbe, 0x94, 0x10,
		0x54, 0xd4, 0x44, 0xa8, 0x20, 0x05,
		0x95, 0x04, 0x0b, 0x81, 0x66, 0xe0,
		0x82, 0xa6, 0x2d, 0x1b, 0xff, 0x6e,
		0x91, 0x9d, 0x29, 0xad, 0x17, 0x18,
		0x63, 0xc7, 0x8f, 0x0b, 0x97, 0xc8,
		0xe9, 0xae, 0x82, 0xae, 0x43, 0xd3,
	}

	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)
	hp.SetMaxTableSize(256)

	fields := decodeAll(t, hp, b)
	checkField(t, fields, 0, ":status", "302")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, [][2]string{
		{"location", "https://www.example.com"},
		{"date", "Mon, 21 Oct 2013 20:13:21 GMT"},
		{"cache-control", "private"},
		{":status", "302"},
	})

	b = []byte{0x48, 0x83, 0x64, 0x0e, 0xff, 0xc1, 0xc0, 0xbf}
	fields = decodeAll(t, hp, b)
	checkField(t, fields, 0, ":status", "307")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:21 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")

	checkDynamic(t, hp, [][2]string{
		{":status", "307"},
		{"location", "https://www.example.com"},
		{"date", "Mon, 21 Oct 2013 20:13:21 GMT"},
		{"cache-control", "private"},
	})

	b = []byte{
		0x88, 0xc1, 0x61, 0x96, 0xd0, 0x7a,
		0xbe, 0x94, 0x10, 0x54, 0xd4, 0x44,
		0xa8, 0x20, 0x05, 0x95, 0x04, 0x0b,
		0x81, 0x66, 0xe0, 0x84, 0xa6, 0x2d,
		0x1b, 0xff, 0xc0, 0x5a, 0x83, 0x9b,
		0xd9, 0xab, 0x77, 0xad, 0x94, 0xe7,
		0x82, 0x1d, 0xd7, 0xf2, 0xe6, 0xc7,
		0xb3, 0x35, 0xdf, 0xdf, 0xcd, 0x5b,
		0x39, 0x60, 0xd5, 0xaf, 0x27, 0x08,
		0x7f, 0x36, 0x72, 0xc1, 0xab, 0x27,
		0x0f, 0xb5, 0x29, 0x1f, 0x95, 0x87,
		0x31, 0x60, 0x65, 0xc0, 0x03, 0xed,
		0x4e, 0xe5, 0xb1, 0x06, 0x3d, 0x50, 0x07,
	}

	fields = decodeAll(t, hp, b)
	checkField(t, fields, 0, ":status", "200")
	checkField(t, fields, 1, "cache-control", "private")
	checkField(t, fields, 2, "date", "Mon, 21 Oct 2013 20:13:22 GMT")
	checkField(t, fields, 3, "location", "https://www.example.com")
	checkField(t, fields, 4, "content-encoding", "gzip")
	checkField(t, fields, 5, "set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")

	checkDynamic(t, hp, [][2]string{
		{"set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1"},
		{"content-encoding", "gzip"},
		{"date", "Mon, 21 Oct 2013 20:13:22 GMT"},
	})
}

func compare(b, r []byte) int {
	for i, c := range b {
		if c != r[i] {
			return i
		}
	}
	return -1
}

func hexComparision(b, r []byte) (s string) {
	for i := range b {
		s += fmt.Sprintf("%x", b[i]) + " "
	}
	s += "\n"
	for i := range r {
		s += fmt.Sprintf("%x", r[i]) + " "
	}
	return
}

// TestWriteResponseWithHuffman re-encodes the same Appendix C.6 sequence
// and checks the wire bytes match exactly, since writeString only uses
// Huffman when it's strictly smaller and the appendix's strings always
// compress.
func TestWriteResponseWithHuffman(t *testing.T) {
	result := []byte{
		0x48, 0x82, 0x64, 0x02, 0x58, 0x85,
		0xae, 0xc3, 0x77, 0x1a, 0x4b, 0x61,
		0x96, 0xd0, 0x7a, 0xbe, 0x94, 0x10,
		0x54, 0xd4, 0x44, 0xa8, 0x20, 0x05,
		0x95, 0x04, 0x0b, 0x81, 0x66, 0xe0,
		0x82, 0xa6, 0x2d, 0x1b, 0xff, 0x6e,
		0x91, 0x9d, 0x29, 0xad, 0x17, 0x18,
		0x63, 0xc7, 0x8f, 0x0b, 0x97, 0xc8,
		0xe9, 0xae, 0x82, 0xae, 0x43, 0xd3,
	}

	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)
	hp.SetMaxTableSize(256)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.Set(":status", "302")
	b := hp.AppendHeader(nil, hf, true)
	hf.Set("cache-control", "private")
	b = hp.AppendHeader(b, hf, true)
	hf.Set("date", "Mon, 21 Oct 2013 20:13:21 GMT")
	b = hp.AppendHeader(b, hf, true)
	hf.Set("location", "https://www.example.com")
	b = hp.AppendHeader(b, hf, true)

	if i := compare(b, result); i != -1 {
		t.Fatalf("failed at %d: %s", i, hexComparision(b[i:], result[i:]))
	}

	checkDynamic(t, hp, [][2]string{
		{"location", "https://www.example.com"},
		{"date", "Mon, 21 Oct 2013 20:13:21 GMT"},
		{"cache-control", "private"},
		{":status", "302"},
	})
}

// TestHPACKRoundTrip exercises a Headers frame filled through
// Headers.AppendHeaderField, the path serverConn uses to build outgoing
// HEADERS blocks (Conn uses HPACK.AppendHeaderField, which drives the same
// AppendHeader), then decodes it back with a second,
// independent HPACK instance the way the peer side would.
func TestHPACKRoundTrip(t *testing.T) {
	enc := AcquireHPACK()
	defer ReleaseHPACK(enc)
	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	h := AcquireFrame(FrameHeaders).(*Headers)
	defer ReleaseFrame(h)

	hf.SetBytes(StringMethod, StringGET)
	h.AppendHeaderField(enc, hf, true)

	hf.SetBytes(StringPath, []byte("/a"))
	h.AppendHeaderField(enc, hf, false)

	hf.SetBytes(StringPath, []byte("/b"))
	h.AppendHeaderField(enc, hf, false)

	fields := decodeAll(t, dec, h.Headers())
	checkField(t, fields, 0, ":method", "GET")
	checkField(t, fields, 1, ":path", "/a")
	checkField(t, fields, 2, ":path", "/b")
}
