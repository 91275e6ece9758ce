package bridge

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/gear6io/polycall/pkg/errors"
)

// PacketReader reads length-prefixed fields from an in-memory packet. Every
// read is bounds checked; truncated input yields ConversionFailed.
type PacketReader struct {
	r *bytes.Reader
}

// NewPacketReader creates a new packet reader
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(data)}
}

// Remaining is the number of unread bytes
func (r *PacketReader) Remaining() int { return r.r.Len() }

// ReadByte reads a single byte
func (r *PacketReader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, truncated("byte")
	}
	return b, nil
}

// ReadUVarInt reads a variable-length unsigned integer
func (r *PacketReader) ReadUVarInt() (uint64, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		return 0, errors.New(errors.FFIConversionFailed, "malformed varint", nil)
	}
	return n, nil
}

// ReadLength reads a uvarint length and checks it against the unread bytes
func (r *PacketReader) ReadLength() (int, error) {
	n, err := r.ReadUVarInt()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.r.Len()) {
		return 0, errors.New(errors.FFIConversionFailed, "length exceeds packet", nil).
			AddContext("length", strconv.FormatUint(n, 10)).
			AddContext("remaining", strconv.Itoa(r.r.Len()))
	}
	return int(n), nil
}

// ReadN reads exactly n raw bytes
func (r *PacketReader) ReadN(n int) ([]byte, error) {
	if n < 0 || n > r.r.Len() {
		return nil, truncated("bytes")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, truncated("bytes")
	}
	return buf, nil
}

// ReadBytes reads bytes with a uvarint length prefix
func (r *PacketReader) ReadBytes() ([]byte, error) {
	n, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.ReadN(n)
}

// ReadString reads a string with a uvarint length prefix
func (r *PacketReader) ReadString() (string, error) {
	buf, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func truncated(what string) error {
	return errors.New(errors.FFIConversionFailed, "packet truncated", nil).AddContext("reading", what)
}

// PacketWriter builds a packet in memory
type PacketWriter struct {
	buf bytes.Buffer
}

// NewPacketWriter creates a new packet writer
func NewPacketWriter() *PacketWriter {
	return &PacketWriter{}
}

func (w *PacketWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *PacketWriter) Len() int { return w.buf.Len() }

// WriteByte writes a single byte
func (w *PacketWriter) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteUVarInt writes a variable-length unsigned integer
func (w *PacketWriter) WriteUVarInt(n uint64) {
	w.buf.Write(binary.AppendUvarint(nil, n))
}

// WriteRaw writes bytes without a prefix
func (w *PacketWriter) WriteRaw(data []byte) {
	w.buf.Write(data)
}

// WriteBytes writes bytes with a uvarint length prefix
func (w *PacketWriter) WriteBytes(data []byte) {
	w.WriteUVarInt(uint64(len(data)))
	w.buf.Write(data)
}

// WriteString writes a string with a uvarint length prefix
func (w *PacketWriter) WriteString(s string) {
	w.WriteUVarInt(uint64(len(s)))
	w.buf.WriteString(s)
}
