package bridge

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

// Reserved metadata keys
const (
	MetaLanguage     = "language"
	MetaError        = "error"
	MetaErrorCode    = "error_code"
	MetaErrorMessage = "error_message"
	MetaRequestID    = "request_id"
	MetaFormat       = "format"
)

// Reserved path prefixes
const (
	FunctionPrefix = "/function/"
	SystemPrefix   = "/system/"
)

// Message is the unit exchanged with a transport
type Message struct {
	Path     string
	Metadata map[string]string
	Payload  []byte
}

func NewMessage(path string, payload []byte) *Message {
	return &Message{Path: path, Metadata: make(map[string]string), Payload: payload}
}

// FunctionPath is the path invoking a named function on a peer
func FunctionPath(name string) string { return FunctionPrefix + name }

// SystemPath is the path of an administrative command
func SystemPath(cmd string) string { return SystemPrefix + cmd }

func (m *Message) Get(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

func (m *Message) Lookup(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

func (m *Message) Set(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m
}

// IsError reports whether the message carries error=true
func (m *Message) IsError() bool {
	return m.Get(MetaError) == "true"
}

// Clone returns a deep copy
func (m *Message) Clone() *Message {
	c := &Message{Path: m.Path, Metadata: make(map[string]string, len(m.Metadata))}
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return c
}

// Keys lists metadata keys in sorted order
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Path)
	for _, k := range m.Keys() {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(m.Metadata[k])
	}
	b.WriteString(" payload=")
	b.WriteString(strconv.Itoa(len(m.Payload)))
	return b.String()
}

// MarshalBinary encodes the message for transports that carry raw bytes:
//
//	string(path) uvarint(n) (string(key) string(value))*n bytes(payload)
//
// Keys are written in sorted order so equal messages encode identically.
func (m *Message) MarshalBinary() ([]byte, error) {
	w := NewPacketWriter()
	w.WriteString(m.Path)
	keys := m.Keys()
	w.WriteUVarInt(uint64(len(keys)))
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(m.Metadata[k])
	}
	w.WriteBytes(m.Payload)
	return w.Bytes(), nil
}

func (m *Message) UnmarshalBinary(data []byte) error {
	r := NewPacketReader(data)
	path, err := r.ReadString()
	if err != nil {
		return errors.AsError(err).AddContext("reading", "path")
	}
	n, err := r.ReadUVarInt()
	if err != nil {
		return err
	}
	// each pair is at least two length bytes
	if n > uint64(r.Remaining()/2) {
		return errors.New(errors.FFIConversionFailed, "metadata count exceeds message", nil)
	}
	meta := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return err
		}
		v, err := r.ReadString()
		if err != nil {
			return err
		}
		meta[k] = v
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return errors.AsError(err).AddContext("reading", "payload")
	}
	if r.Remaining() != 0 {
		return errors.New(errors.FFIConversionFailed, "trailing bytes after message", nil)
	}

	m.Path = path
	m.Metadata = meta
	m.Payload = payload
	return nil
}
