package protocol

import (
	"encoding/binary"
	"strconv"

	"github.com/juju/errors"
)

// Cursor reads big-endian values from a byte slice, validating bounds before
// every read. Short reads return ErrIncomplete and leave the offset untouched.
type Cursor struct {
	b   []byte
	off int
}

// NewCursor returns a cursor positioned at the start of b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int { return c.off }

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.b) - c.off }

func (c *Cursor) need(n int) error {
	if n < 0 || c.Len() < n {
		return errors.Annotatef(ErrIncomplete, "need %d bytes at offset %d, have %d", n, c.off, c.Len())
	}
	return nil
}

// Uint16 reads a big-endian uint16.
func (c *Cursor) Uint16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (c *Cursor) Uint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v, nil
}

// Skip advances n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.off += n
	return nil
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v, nil
}

// Rest returns all unread bytes.
func (c *Cursor) Rest() []byte {
	v := c.b[c.off:]
	c.off = len(c.b)
	return v
}

// FieldReader walks positional comma tokens. Missing trailing tokens read as
// zero values; a non-empty token that fails to parse records ErrMalformed,
// after which every read returns zero.
type FieldReader struct {
	tokens []string
	pos    int
	err    error
}

// NewFieldReader returns a reader over tokens.
func NewFieldReader(tokens []string) *FieldReader {
	return &FieldReader{tokens: tokens}
}

// Err returns the first parse failure.
func (f *FieldReader) Err() error { return f.err }

// Consumed returns how many tokens have been read (including missing ones).
func (f *FieldReader) Consumed() int { return min(f.pos, len(f.tokens)) }

// Remaining returns the unread tokens.
func (f *FieldReader) Remaining() []string {
	if f.pos >= len(f.tokens) {
		return nil
	}
	return f.tokens[f.pos:]
}

func (f *FieldReader) next() string {
	if f.pos >= len(f.tokens) {
		f.pos++
		return ""
	}
	t := f.tokens[f.pos]
	f.pos++
	return t
}

// String reads the next token verbatim.
func (f *FieldReader) String() string {
	return f.next()
}

// IntOr reads the next token as a decimal int, defaulting to def when empty.
func (f *FieldReader) IntOr(def int) int {
	t := f.next()
	if t == "" || f.err != nil {
		return def
	}
	v, err := strconv.Atoi(t)
	if err != nil {
		f.fail(t)
		return def
	}
	return v
}

// Int reads the next token as a decimal int.
func (f *FieldReader) Int() int { return f.IntOr(0) }

// Int64 reads the next token as a decimal int64.
func (f *FieldReader) Int64() int64 {
	t := f.next()
	if t == "" || f.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		f.fail(t)
		return 0
	}
	return v
}

// Float32 reads the next token as a decimal float.
func (f *FieldReader) Float32() float32 {
	t := f.next()
	if t == "" || f.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(t, 32)
	if err != nil {
		f.fail(t)
		return 0
	}
	return float32(v)
}

func (f *FieldReader) fail(token string) {
	if f.err == nil {
		f.err = errors.Annotatef(ErrMalformed, "token %d %q", f.pos-1, token)
	}
}
