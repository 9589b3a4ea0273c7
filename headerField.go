package http2

import "sync"

// HeaderField is a single HPACK-decoded (or about-to-be-encoded) name/value
// pair, plus the "never index" sensitivity bit RFC 7541 attaches to it.
//
// Pull one from the pool with AcquireHeaderField; return it with
// ReleaseHeaderField.
type HeaderField struct {
	key, value []byte
	sensible   bool
}

var headerFieldPool = sync.Pool{
	New: func() interface{} {
		return &HeaderField{}
	},
}

// AcquireHeaderField gets a zeroed HeaderField from the pool.
func AcquireHeaderField() *HeaderField {
	return headerFieldPool.Get().(*HeaderField)
}

// ReleaseHeaderField clears hf and returns it to the pool.
func ReleaseHeaderField(hf *HeaderField) {
	hf.Reset()
	headerFieldPool.Put(hf)
}

// Reset clears both the key and the value, and the sensitivity bit.
func (hf *HeaderField) Reset() {
	hf.key = hf.key[:0]
	hf.value = hf.value[:0]
	hf.sensible = false
}

// Empty reports whether hf carries neither a key nor a value — the shape
// produced by a dynamic-table-size-update representation, which updates
// decoder state without emitting a field.
func (hf *HeaderField) Empty() bool {
	return len(hf.key) == 0 && len(hf.value) == 0
}

// Size is the RFC 7541 §4.1 accounting size of the field: both byte
// lengths plus a fixed 32-byte entry overhead.
func (hf *HeaderField) Size() int {
	return len(hf.key) + len(hf.value) + 32
}

// IsPseudo reports whether the field's name starts with ':' (:method,
// :path, :scheme, :authority, :status).
func (hf *HeaderField) IsPseudo() bool {
	return len(hf.key) > 0 && hf.key[0] == ':'
}

// IsSensible reports whether hf was marked never-indexed (RFC 7541 §6.2.3);
// such fields must never be inserted into a dynamic table, by either side.
func (hf *HeaderField) IsSensible() bool {
	return hf.sensible
}

// CopyTo deep-copies hf's key, value and sensitivity bit into other.
func (hf *HeaderField) CopyTo(other *HeaderField) {
	other.key = append(other.key[:0], hf.key...)
	other.value = append(other.value[:0], hf.value...)
	other.sensible = hf.sensible
}

// AppendBytes appends a "key: value" rendering of hf to dst and returns
// the grown slice.
func (hf *HeaderField) AppendBytes(dst []byte) []byte {
	dst = append(dst, hf.key...)
	dst = append(dst, ':', ' ')
	dst = append(dst, hf.value...)
	return dst
}

// String renders hf the same way AppendBytes does.
func (hf *HeaderField) String() string {
	return string(hf.AppendBytes(nil))
}

// Key returns the field's name as a string (copies the bytes).
func (hf *HeaderField) Key() string { return string(hf.key) }

// Value returns the field's value as a string (copies the bytes).
func (hf *HeaderField) Value() string { return string(hf.value) }

// KeyBytes returns the field's name without copying.
func (hf *HeaderField) KeyBytes() []byte { return hf.key }

// ValueBytes returns the field's value without copying.
func (hf *HeaderField) ValueBytes() []byte { return hf.value }

// SetKey replaces the field's name.
func (hf *HeaderField) SetKey(key string) {
	hf.key = append(hf.key[:0], key...)
}

// SetValue replaces the field's value.
func (hf *HeaderField) SetValue(value string) {
	hf.value = append(hf.value[:0], value...)
}

// SetKeyBytes is SetKey taking a byte slice.
func (hf *HeaderField) SetKeyBytes(key []byte) {
	hf.key = append(hf.key[:0], key...)
}

// SetValueBytes is SetValue taking a byte slice.
func (hf *HeaderField) SetValueBytes(value []byte) {
	hf.value = append(hf.value[:0], value...)
}

// Set replaces both the key and the value.
func (hf *HeaderField) Set(k, v string) {
	hf.SetKey(k)
	hf.SetValue(v)
}

// SetBytes is Set taking byte slices for both key and value.
func (hf *HeaderField) SetBytes(k, v []byte) {
	hf.SetKeyBytes(k)
	hf.SetValueBytes(v)
}
