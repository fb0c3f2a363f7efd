package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/tablesync/bus"
)

func TestPacketLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 0, 0, 0, '{', '}'}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("packet (-want +got):\n%s", diff)
	}
}

// trickle returns one byte per Read call.
type trickle struct {
	data []byte
}

func (t *trickle) Read(p []byte) (int, error) {
	if len(t.data) == 0 {
		return 0, io.EOF
	}
	p[0] = t.data[0]
	t.data = t.data[1:]
	return 1, nil
}

func TestReadPacketWaitsForFullPayload(t *testing.T) {
	var buf bytes.Buffer
	WritePacket(&buf, []byte("hello"))
	WritePacket(&buf, []byte("world!"))
	r := &trickle{data: buf.Bytes()}

	for _, want := range []string{"hello", "world!"} {
		got, err := ReadPacket(r, 0)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadPacket(r, 0); err != io.EOF {
		t.Errorf("end of stream: err = %v", err)
	}
}

func TestReadPacketErrors(t *testing.T) {
	var buf bytes.Buffer
	WritePacket(&buf, make([]byte, 100))
	if _, err := ReadPacket(bytes.NewReader(buf.Bytes()), 10); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversized: err = %v", err)
	}
	if _, err := ReadPacket(bytes.NewReader(buf.Bytes()[:50]), 0); err != io.ErrUnexpectedEOF {
		t.Errorf("truncated: err = %v", err)
	}
}

func TestConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca, cb := NewConn(a, 0), NewConn(b, 0)

	sent := bus.NewMessage("orders", "index", map[string]any{"table": "orders", "since": float64(150)})
	go func() {
		ca.WriteMessage(sent)
		a.Write([]byte{3, 0, 0, 0, 'b', 'a', 'd'})
	}()

	got, err := cb.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(sent) || got.ID != sent.ID || got.Timestamp != sent.Timestamp {
		t.Errorf("got %v, want %v", got, sent)
	}
	if _, err := cb.ReadMessage(); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad packet: err = %v", err)
	}
}
