package http2

import (
	"bufio"
	"sync"
)

// HPACK implements RFC 7541 header compression: a static table, a per-
// connection dynamic table, Huffman coding and the integer/string wire
// primitives the representations are built from.
//
// A connection keeps two independent HPACK values, one per direction
// (encoder for frames it writes, decoder for frames it reads), since the
// dynamic table state is direction-specific.
type HPACK struct {
	// tableSize is the current size of the dynamic table as defined by
	// https://tools.ietf.org/html/rfc7541#section-4.1
	tableSize int
	// maxTableSize is the bound the table is not allowed to exceed. It's
	// lowered by a SETTINGS_HEADER_TABLE_SIZE update (encoder side) or a
	// Dynamic Table Size Update representation (decoder side).
	maxTableSize int

	// dynamic holds the dynamic table, most-recently-added entry first,
	// matching the indexing order from RFC 7541 section 2.3.3.
	dynamic []*HeaderField
}

const defaultDynamicTableSize = 4096

var hpackPool = sync.Pool{
	New: func() interface{} {
		return &HPACK{maxTableSize: defaultDynamicTableSize}
	},
}

// AcquireHPACK returns an HPACK from the pool with an empty dynamic table.
func AcquireHPACK() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPACK resets hp and returns it to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

// Reset releases every entry in the dynamic table and restores defaults.
func (hp *HPACK) Reset() {
	for _, hf := range hp.dynamic {
		ReleaseHeaderField(hf)
	}
	hp.dynamic = hp.dynamic[:0]
	hp.tableSize = 0
	hp.maxTableSize = defaultDynamicTableSize
}

// SetMaxTableSize changes the bound enforced on the dynamic table,
// evicting entries immediately if the new bound is smaller than the
// table's current size.
//
// https://tools.ietf.org/html/rfc7541#section-4.2
func (hp *HPACK) SetMaxTableSize(n int) {
	hp.maxTableSize = n
	hp.evict()
}

func (hp *HPACK) evict() {
	for hp.tableSize > hp.maxTableSize && len(hp.dynamic) > 0 {
		last := hp.dynamic[len(hp.dynamic)-1]
		hp.tableSize -= last.Size()
		ReleaseHeaderField(last)
		hp.dynamic = hp.dynamic[:len(hp.dynamic)-1]
	}
}

// add inserts a copy of hf at the head of the dynamic table, evicting
// older entries until the table fits within maxTableSize again. An entry
// larger than the whole table is a valid empty-table state, not an error.
//
// https://tools.ietf.org/html/rfc7541#section-4.4
func (hp *HPACK) add(hf *HeaderField) {
	entry := AcquireHeaderField()
	hf.CopyTo(entry)

	hp.dynamic = append(hp.dynamic, nil)
	copy(hp.dynamic[1:], hp.dynamic)
	hp.dynamic[0] = entry

	hp.tableSize += entry.Size()
	hp.evict()
}

const staticTableLen = 61

// getIndexed resolves a 1-based HPACK table index (RFC 7541 section 2.3.3)
// to its name/value, searching the static table first and then the
// dynamic table.
func (hp *HPACK) getIndexed(index uint64) (name, value []byte, err error) {
	if index == 0 {
		return nil, nil, ErrCompression
	}

	if index <= staticTableLen {
		e := staticTable[index-1]
		return []byte(e.name), []byte(e.value), nil
	}

	di := int(index) - staticTableLen - 1
	if di < 0 || di >= len(hp.dynamic) {
		return nil, nil, ErrCompression
	}

	hf := hp.dynamic[di]
	return hf.key, hf.value, nil
}

// find searches the static and dynamic tables for hf's name/value, for
// use while encoding. It prefers an exact name+value match (so the field
// can be sent as a fully Indexed Header Field) and falls back to a
// name-only match (so only the name needs to be transmitted again).
func (hp *HPACK) find(hf *HeaderField) (index int, nameOnly bool) {
	nameIdx := 0

	for i, e := range staticTable {
		if e.name == hf.Key() {
			if e.value == hf.Value() {
				return i + 1, false
			}
			if nameIdx == 0 {
				nameIdx = i + 1
			}
		}
	}

	for i, e := range hp.dynamic {
		if string(e.key) == hf.Key() {
			if string(e.value) == hf.Value() {
				return staticTableLen + i + 1, false
			}
			if nameIdx == 0 {
				nameIdx = staticTableLen + i + 1
			}
		}
	}

	if nameIdx != 0 {
		return nameIdx, true
	}

	return 0, false
}

// AppendHeaderField is the HPACK-first spelling of the same call used by
// Headers.AppendHeaderField: both simply drive AppendHeader.
func (hp *HPACK) AppendHeaderField(h *Headers, hf *HeaderField, store bool) {
	h.rawHeaders = hp.AppendHeader(h.rawHeaders, hf, store)
}

// AppendHeader appends the HPACK representation of hf to dst and returns
// the extended slice. When an exact name+value match already exists in a
// table the field is sent as a 1-byte-prefixed Indexed Header Field;
// otherwise it's sent as a literal, with incremental indexing (and a
// dynamic table insertion) when store is true and hf isn't marked
// sensible, or without indexing otherwise (never-indexed for a sensible
// field).
//
// https://tools.ietf.org/html/rfc7541#section-6
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	index, nameOnly := hp.find(hf)

	if index != 0 && !nameOnly {
		dst = append(dst, 0x80)
		return appendInt(dst, 7, uint64(index))
	}

	if store && !hf.IsSensible() {
		if index != 0 {
			dst = append(dst, 0x40)
			dst = appendInt(dst, 6, uint64(index))
		} else {
			dst = append(dst, 0x40)
			dst = writeString(dst, hf.KeyBytes(), true)
		}
		dst = writeString(dst, hf.ValueBytes(), true)
		hp.add(hf)
		return dst
	}

	flag := byte(0x00)
	if hf.IsSensible() {
		flag = 0x10
	}

	if index != 0 {
		dst = append(dst, flag)
		dst = appendInt(dst, 4, uint64(index))
	} else {
		dst = append(dst, flag)
		dst = writeString(dst, hf.KeyBytes(), true)
	}
	dst = writeString(dst, hf.ValueBytes(), true)

	return dst
}

// Next is the simple decode entry point: it decodes exactly one
// representation from src into hf and returns the unconsumed remainder.
// Callers that need RFC 7541 section 4.2's "table size update must come
// first" ordering check should use nextField directly.
func (hp *HPACK) Next(hf *HeaderField, src []byte) ([]byte, error) {
	return hp.nextField(hf, 0, 0, src)
}

// nextField decodes one HPACK representation from src into hf.
//
// blockNum identifies the header block being decoded (unused by the
// decoder itself, kept so callers can correlate errors against a
// specific HEADERS/CONTINUATION sequence) and fieldsProcessed is the
// count of representations already decoded from the current header
// block: a Dynamic Table Size Update is only legal as the very first
// representation of a block.
//
// https://tools.ietf.org/html/rfc7541#section-6
func (hp *HPACK) nextField(hf *HeaderField, blockNum int, fieldsProcessed int, src []byte) ([]byte, error) {
	_ = blockNum

	if len(src) == 0 {
		return src, ErrUnexpectedSize
	}

	hf.Reset()

	b0 := src[0]

	switch {
	case b0&0x80 != 0: // Indexed Header Field
		rest, idx, err := readInt(7, src)
		if err != nil {
			return src, err
		}
		name, value, err := hp.getIndexed(idx)
		if err != nil {
			return src, err
		}
		hf.SetKeyBytes(name)
		hf.SetValueBytes(value)
		return rest, nil

	case b0&0x40 != 0: // Literal Header Field with Incremental Indexing
		rest, err := hp.readLiteral(hf, 6, src)
		if err != nil {
			return src, err
		}
		hp.add(hf)
		return rest, nil

	case b0&0x20 != 0: // Dynamic Table Size Update
		if fieldsProcessed != 0 {
			return src, ErrCompression
		}
		rest, size, err := readInt(5, src)
		if err != nil {
			return src, err
		}
		hp.SetMaxTableSize(int(size))
		return rest, nil

	default: // Literal Header Field without/never Indexing (0x00 / 0x10)
		hf.sensible = b0&0x10 != 0
		rest, err := hp.readLiteral(hf, 4, src)
		if err != nil {
			return src, err
		}
		return rest, nil
	}
}

// readLiteral decodes the common tail shared by the three literal header
// field representations: a name (either indexed, via a prefixBits-wide
// integer, or a literal string) followed by a literal value string.
func (hp *HPACK) readLiteral(hf *HeaderField, prefixBits uint8, src []byte) ([]byte, error) {
	rest, idx, err := readInt(prefixBits, src)
	if err != nil {
		return src, err
	}

	if idx != 0 {
		name, _, err := hp.getIndexed(idx)
		if err != nil {
			return src, err
		}
		hf.SetKeyBytes(name)
	} else {
		var name []byte
		name, rest, err = readString(nil, rest)
		if err != nil {
			return src, err
		}
		hf.SetKeyBytes(name)
	}

	var value []byte
	value, rest, err = readString(nil, rest)
	if err != nil {
		return src, err
	}
	hf.SetValueBytes(value)

	return rest, nil
}

// writeInt encodes i using RFC 7541 section 5.1's N-bit prefix integer
// representation, writing in place starting at dst[0] (preserving any
// flag bits already set above the n-bit prefix mask) and returning dst.
// The caller must ensure dst is already sized to fit the encoding.
func writeInt(dst []byte, n uint8, i uint64) []byte {
	mask := uint64(1)<<n - 1

	if i < mask {
		dst[0] = dst[0]&^byte(mask) | byte(i)
		return dst
	}

	dst[0] = dst[0]&^byte(mask) | byte(mask)
	i -= mask

	idx := 1
	for i >= 128 {
		dst[idx] = byte(i&0x7f) | 0x80
		i >>= 7
		idx++
	}
	dst[idx] = byte(i)

	return dst
}

// appendInt is writeInt's growable counterpart: it fuses i's prefix into
// the last byte already present in dst (a flag byte the caller appended
// beforehand) and appends any continuation bytes needed.
func appendInt(dst []byte, n uint8, i uint64) []byte {
	if len(dst) == 0 {
		dst = append(dst, 0)
	}

	idx := len(dst) - 1
	mask := uint64(1)<<n - 1

	if i < mask {
		dst[idx] = dst[idx]&^byte(mask) | byte(i)
		return dst
	}

	dst[idx] = dst[idx]&^byte(mask) | byte(mask)
	i -= mask

	for i >= 128 {
		dst = append(dst, byte(i&0x7f)|0x80)
		i >>= 7
	}

	return append(dst, byte(i))
}

// readInt decodes an N-bit prefix integer from the front of src,
// returning the unconsumed remainder.
func readInt(n uint8, src []byte) ([]byte, uint64, error) {
	if len(src) == 0 {
		return src, 0, ErrUnexpectedSize
	}

	mask := uint64(1)<<n - 1
	v := uint64(src[0]) & mask
	src = src[1:]

	if v < mask {
		return src, v, nil
	}

	var m uint64
	for {
		if len(src) == 0 {
			return src, 0, ErrUnexpectedSize
		}

		b := src[0]
		src = src[1:]

		v += uint64(b&0x7f) << m
		m += 7

		if b&0x80 == 0 {
			break
		}
	}

	return src, v, nil
}

// readIntFrom is readInt's counterpart for a live *bufio.Reader, used
// while a frame is still being streamed off the wire instead of already
// buffered in a byte slice.
func readIntFrom(n uint8, br *bufio.Reader) (uint64, error) {
	b0, err := br.ReadByte()
	if err != nil {
		return 0, err
	}

	mask := uint64(1)<<n - 1
	v := uint64(b0) & mask
	if v < mask {
		return v, nil
	}

	var m uint64
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}

		v += uint64(b&0x7f) << m
		m += 7

		if b&0x80 == 0 {
			break
		}
	}

	return v, nil
}

// writeString appends src's RFC 7541 section 5.2 string representation
// (a 1-bit Huffman flag, a 7-bit prefix length, then the octets) to dst.
func writeString(dst, src []byte, huffman bool) []byte {
	if !huffman {
		dst = append(dst, 0x00)
		dst = appendInt(dst, 7, uint64(len(src)))
		return append(dst, src...)
	}

	encoded := huffmanEncode(nil, src)
	if len(encoded) >= len(src) {
		// Huffman coding never pays off here; fall back to the raw form.
		return writeString(dst, src, false)
	}

	dst = append(dst, 0x80)
	dst = appendInt(dst, 7, uint64(len(encoded)))
	return append(dst, encoded...)
}

// readString decodes a string representation from the front of src,
// appending the decoded value to dst (nil is fine, a fresh slice is
// allocated) and returning the unconsumed remainder.
func readString(dst, src []byte) ([]byte, []byte, error) {
	if len(src) == 0 {
		return dst, src, ErrUnexpectedSize
	}

	huffman := src[0]&0x80 != 0

	rest, n, err := readInt(7, src)
	if err != nil {
		return dst, src, err
	}

	if uint64(len(rest)) < n {
		return dst, src, ErrUnexpectedSize
	}

	raw := rest[:n]
	rest = rest[n:]

	if huffman {
		dst, err = huffmanDecode(dst, raw)
		return dst, rest, err
	}

	return append(dst, raw...), rest, nil
}
