package queue

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the length of the routing header at the front of every
// payload carried through a data queue.
const HeaderSize = 12

var ErrShortHeader = errors.New("payload shorter than header")

// Header routes a buffer to a gather record: buffers sharing TransID and
// RouteLabel across every input queue form one record.
type Header struct {
	TransID    uint64
	RouteLabel uint32
}

// Encode prefixes body with h.
func (h Header) Encode(body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint64(out[0:8], h.TransID)
	binary.LittleEndian.PutUint32(out[8:12], h.RouteLabel)
	copy(out[HeaderSize:], body)
	return out
}

// DecodeHeader splits a payload into its header and body.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrShortHeader
	}
	h := Header{
		TransID:    binary.LittleEndian.Uint64(b[0:8]),
		RouteLabel: binary.LittleEndian.Uint32(b[8:12]),
	}
	return h, b[HeaderSize:], nil
}
