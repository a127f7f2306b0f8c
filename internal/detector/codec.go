package detector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cjeanneret/SnapDog/internal/types"
)

// ErrFrameTooLarge is returned when a length prefix exceeds the configured limit.
var ErrFrameTooLarge = errors.New("detector frame too large")

// Wire format, both directions: a 4-byte big-endian length followed by a
// msgpack map of that many bytes.

// settingsMessage is sent once on stdin when the detector starts.
type settingsMessage struct {
	Type            string `msgpack:"type"` // "settings"
	Mode            string `msgpack:"mode"`
	Landmarks       string `msgpack:"landmarks"`
	Classifications string `msgpack:"classifications"`
	MinIntervalMs   int64  `msgpack:"min_interval_ms"`
	Tracking        bool   `msgpack:"tracking"`
	Lens            string `msgpack:"lens"`
}

// commandMessage changes detector behaviour at runtime.
type commandMessage struct {
	Type    string            `msgpack:"type"` // "command"
	Command string            `msgpack:"command"`
	Params  map[string]string `msgpack:"params"`
}

// frameMessage is what the detector writes on stdout for every processed frame.
type frameMessage struct {
	Seq         uint64       `msgpack:"seq"`
	TimestampMs int64        `msgpack:"timestamp_ms"`
	Faces       []types.Face `msgpack:"faces"`
}

// WriteMessage encodes v as one length-prefixed msgpack message.
func WriteMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage decodes one length-prefixed msgpack message into v.
// It returns io.EOF only when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, maxBytes int, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if maxBytes > 0 && int64(n) > int64(maxBytes) {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, maxBytes)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read msgpack data (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}

// Reader decodes detector frames from a stream.
type Reader struct {
	r        io.Reader
	maxBytes int
}

// NewReader wraps r. maxBytes <= 0 disables the size limit.
func NewReader(r io.Reader, maxBytes int) *Reader {
	return &Reader{r: r, maxBytes: maxBytes}
}

// Next returns the next frame. A frame without a timestamp is stamped
// with the local receive time.
func (r *Reader) Next() (types.Frame, error) {
	var msg frameMessage
	if err := ReadMessage(r.r, r.maxBytes, &msg); err != nil {
		return types.Frame{}, err
	}
	ts := time.Now()
	if msg.TimestampMs > 0 {
		ts = time.UnixMilli(msg.TimestampMs)
	}
	return types.Frame{Seq: msg.Seq, Timestamp: ts, Faces: msg.Faces}, nil
}

// EncodeFrame writes f in the detector output format. Used by detector
// simulators and tests.
func EncodeFrame(w io.Writer, f types.Frame) error {
	msg := frameMessage{Seq: f.Seq, Faces: f.Faces}
	if !f.Timestamp.IsZero() {
		msg.TimestampMs = f.Timestamp.UnixMilli()
	}
	return WriteMessage(w, msg)
}
