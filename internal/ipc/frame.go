// Package ipc implements the length-framed wire protocol the interposition
// library uses to ship captured .gcda blobs back to the driver over a pipe:
// a presence byte, a big-endian u32 length, and a payload encoding
// {filepath, data}.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// presenceByte precedes every frame; its only role is to let a reader
// distinguish "one more frame follows" from a bare EOF mid-stream.
const presenceByte = 0x00

// Message is one captured coverage-data blob, identified by the path the
// target process believed it was writing to.
type Message struct {
	Filepath string
	Data     []byte
}

// Encode serializes m into the wire frame: presence byte, big-endian u32
// frame length, then the length-prefixed filepath and data fields.
func Encode(m Message) []byte {
	payload := make([]byte, 0, 4+len(m.Filepath)+4+len(m.Data))
	payload = appendLenPrefixed(payload, []byte(m.Filepath))
	payload = appendLenPrefixed(payload, m.Data)

	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, presenceByte)
	frame = appendU32BE(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame
}

func appendU32BE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendLenPrefixed(b, field []byte) []byte {
	b = appendU32BE(b, uint32(len(field)))
	return append(b, field...)
}

// Reader decodes a stream of frames from an underlying io.Reader (typically
// the pipe's read end, inherited from the child process).
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads and decodes the next frame. It returns io.EOF (unwrapped, so
// callers can use ==) when the stream ends cleanly between frames; any
// other error indicates a short read or malformed payload mid-frame, which
// the driver treats as the end of the current seed's read loop.
func (fr *Reader) Next() (Message, error) {
	presence, err := fr.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading frame presence byte: %w", err)
	}
	if presence != presenceByte {
		return Message{}, fmt.Errorf("unexpected frame presence byte %#x", presence)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Message{}, fmt.Errorf("reading frame payload: %w", err)
	}

	return decodePayload(payload)
}

func decodePayload(payload []byte) (Message, error) {
	filepathBytes, rest, err := readLenPrefixed(payload)
	if err != nil {
		return Message{}, fmt.Errorf("decoding filepath field: %w", err)
	}
	data, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Message{}, fmt.Errorf("decoding data field: %w", err)
	}
	if len(rest) != 0 {
		return Message{}, fmt.Errorf("trailing bytes after decoding frame payload")
	}
	return Message{Filepath: string(filepathBytes), Data: data}, nil
}

func readLenPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("insufficient bytes for length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("length prefix %d exceeds remaining %d bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}
