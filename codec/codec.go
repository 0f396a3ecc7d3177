// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package codec implements the fixed, deterministic binary encoding
// shared by the partition config and update environment blobs: little
// endian integers of their declared width, NUL-padded fixed-size ASCII
// strings, and u64-count-prefixed sequences with no padding between
// members. The layout is deliberately simple enough for a bootloader to
// decode with the same rules.
package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/northerntech/rupdate/rerr"
)

// Writer accumulates an encoded blob. Once an error has occurred all
// further operations are no-ops, so callers can chain several Write*
// calls and check Err() once at the end.
type Writer struct {
	w   io.Writer
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *Writer) WriteU8(v uint8) {
	w.write([]byte{v})
}

func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.write(b[:])
}

func (w *Writer) WriteI16(v int16) {
	w.WriteU16(uint16(v))
}

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.write(b[:])
}

func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.write(b[:])
}

// WriteCount writes a sequence element count; it is WriteU64 under a
// name that documents intent at call sites.
func (w *Writer) WriteCount(n uint64) {
	w.WriteU64(n)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteFixedString writes s as an n-byte NUL-padded ASCII field. A value
// of exactly n bytes fills the field with no NUL. Longer values are a
// programmer error and are truncated to n bytes rather than propagated
// as a write error, since they can only originate from this process's
// own in-memory values.
func (w *Writer) WriteFixedString(s string, n int) {
	buf := make([]byte, n)
	copy(buf, s)
	w.write(buf)
}

// WriteBytes writes p verbatim, with no length prefix; used for the
// trailing hashsum whose length is implied by the hashsum_type tag.
func (w *Writer) WriteBytes(p []byte) {
	w.write(p)
}

// Reader decodes a blob written by Writer. Like Writer, the first error
// sticks; callers drain a sequence of Read* calls and check Err() once.
type Reader struct {
	r   io.Reader
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = rerr.Wrap(rerr.KindGeneric, err, "codec: short read")
	}
	return buf
}

func (r *Reader) ReadU8() uint8 {
	b := r.read(1)
	return b[0]
}

func (r *Reader) ReadU16() uint16 {
	return binary.LittleEndian.Uint16(r.read(2))
}

func (r *Reader) ReadI16() int16 {
	return int16(r.ReadU16())
}

func (r *Reader) ReadU32() uint32 {
	return binary.LittleEndian.Uint32(r.read(4))
}

func (r *Reader) ReadU64() uint64 {
	return binary.LittleEndian.Uint64(r.read(8))
}

// ReadCount reads a sequence element count.
func (r *Reader) ReadCount() uint64 {
	return r.ReadU64()
}

// ReadBoundedCount reads a sequence element count and rejects it with
// rerr.ErrMalformedEncoding if it exceeds max. A count field is the
// first thing an injected crash (P3) can corrupt while leaving magic
// and version intact; without a bound, allocating a slice straight
// from an untrusted u64 can panic the whole read instead of failing
// it cleanly, which is the difference between Store.classify() falling
// back to the other slot and the process dying. max should be the
// largest count any conforming encoder could plausibly produce for the
// sequence in question.
func (r *Reader) ReadBoundedCount(max uint64) uint64 {
	n := r.ReadCount()
	if r.err != nil {
		return 0
	}
	if n > max {
		r.err = rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
			"codec: sequence count %d exceeds maximum %d", n, max)
		return 0
	}
	return n
}

// ReadBool reads a single byte and requires it to be 0 or 1, per
// codec's boolean rule; any other value sets Err() to
// rerr.ErrMalformedEncoding.
func (r *Reader) ReadBool() bool {
	v := r.ReadU8()
	if r.err != nil {
		return false
	}
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = rerr.Wrapf(rerr.KindIntegrity, rerr.ErrMalformedEncoding,
			"boolean byte has value %d", v)
		return false
	}
}

// ReadFixedString reads an n-byte NUL-padded field and returns the
// NUL-trimmed prefix. A field with no NUL byte at all is accepted as
// fully used, per codec's fixed-string rule.
func (r *Reader) ReadFixedString(n int) string {
	buf := r.read(n)
	if idx := bytes.IndexByte(buf, 0); idx >= 0 {
		return string(buf[:idx])
	}
	return string(buf)
}

func (r *Reader) ReadBytes(n int) []byte {
	buf := r.read(n)
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// Magic reads a fixed-length magic tag and compares it to want,
// producing rerr.ErrBadMagic on mismatch. Like every Read* call, it
// consumes nothing and leaves Err() unchanged once an error is sticky.
func (r *Reader) Magic(want string) {
	got := r.read(len(want))
	if r.err != nil {
		return
	}
	if string(got) != want {
		r.err = rerr.Wrapf(rerr.KindIntegrity, rerr.ErrBadMagic,
			"expected magic %q, got %q", want, got)
	}
}
