/******************************************************************************
 *
 *  Description :
 *    Packet framing over byte streams: a 4-byte little-endian length prefix
 *    followed by exactly that many bytes of JSON-encoded message.
 *
 *****************************************************************************/

package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinode/tablesync/bus"
)

const (
	// HeaderSize is the length of the packet size prefix.
	HeaderSize = 4
	// DefaultMaxPacketSize is used when no limit is given.
	DefaultMaxPacketSize = 1 << 20
)

var (
	// ErrPacketTooLarge is returned for packets exceeding the configured limit.
	ErrPacketTooLarge = errors.New("wire: packet too large")
	// ErrMalformed is returned for packets which are not a JSON message.
	ErrMalformed = errors.New("wire: malformed message")
)

// WritePacket writes one length-prefixed packet.
func WritePacket(w io.Writer, data []byte) error {
	buf := make([]byte, HeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[HeaderSize:], data)
	_, err := w.Write(buf)
	return err
}

// ReadPacket blocks until a full packet is available. A packet longer than maxSize is
// not read and ErrPacketTooLarge is returned; the stream cannot be used after that.
func ReadPacket(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, maxSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// Encode serializes a message to its JSON wire form.
func Encode(msg *bus.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses the JSON wire form of a message.
func Decode(data []byte) (*bus.Message, error) {
	var msg bus.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// Conn reads and writes framed messages over a stream. Writes are serialized,
// reads must come from a single goroutine.
type Conn struct {
	rw      io.ReadWriter
	reader  *bufio.Reader
	maxSize int

	wmu sync.Mutex
}

// NewConn wraps a stream.
func NewConn(rw io.ReadWriter, maxSize int) *Conn {
	return &Conn{rw: rw, reader: bufio.NewReader(rw), maxSize: maxSize}
}

// ReadMessage reads the next message. Malformed packets are reported as ErrMalformed
// and the stream stays usable.
func (c *Conn) ReadMessage() (*bus.Message, error) {
	data, err := ReadPacket(c.reader, c.maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// WriteMessage encodes and writes a message.
func (c *Conn) WriteMessage(msg *bus.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if c.maxSize > 0 && len(data) > c.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(data), c.maxSize)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WritePacket(c.rw, data)
}
