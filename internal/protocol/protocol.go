package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Delimiter terminates a frame on stream transports. Message-mode transports
// deliver exactly one frame per read and never carry it.
const Delimiter = "<EOL>\x00"

// CommandTerminator is appended to outbound commands on stream transports.
const CommandTerminator = "<EOL>"

// MaxFrameSize bounds how much undelimited data a Splitter will hold.
const MaxFrameSize = 1 << 20

var (
	ErrTruncated     = errors.New("protocol: truncated frame")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

var delimiter = []byte(Delimiter)

// Decode reads one complete frame. Frame boundaries must already be
// isolated by the caller.
func Decode(frame []byte) (LogEvent, error) {
	r := reader{buf: frame}

	typ, err := r.readInt32("type")
	if err != nil {
		return LogEvent{}, err
	}
	level, err := r.readInt32("level")
	if err != nil {
		return LogEvent{}, err
	}
	group, err := r.readCString("group")
	if err != nil {
		return LogEvent{}, err
	}
	rgba, err := r.readBytes("color", 4)
	if err != nil {
		return LogEvent{}, err
	}
	message, err := r.readCString("message")
	if err != nil {
		return LogEvent{}, err
	}

	return LogEvent{
		Type:    typ,
		Level:   level,
		Group:   group,
		Color:   Color{R: rgba[0], G: rgba[1], B: rgba[2], A: rgba[3]},
		Message: message,
	}, nil
}

// Encode returns the wire bytes for a command. NUL bytes are dropped since
// the remote side reads commands as C strings.
func Encode(command string) []byte {
	return []byte(strings.ReplaceAll(command, "\x00", ""))
}

// AppendEvent appends the frame encoding of ev to dst, without a delimiter.
// Strings are truncated at their first NUL.
func AppendEvent(dst []byte, ev LogEvent) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ev.Type))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ev.Level))
	dst = appendCString(dst, ev.Group)
	dst = append(dst, ev.Color.R, ev.Color.G, ev.Color.B, ev.Color.A)
	dst = appendCString(dst, ev.Message)
	return dst
}

func appendCString(dst []byte, s string) []byte {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	dst = append(dst, s...)
	return append(dst, 0)
}

// Splitter accumulates stream chunks and cuts them into frames. The result
// does not depend on where chunk boundaries fall.
type Splitter struct {
	buf      []byte
	searched int
}

// Feed appends chunk and returns every frame it completes, in order. On
// ErrFrameTooLarge the buffered data is dropped and splitting starts over.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for {
		from := s.searched - len(delimiter) + 1
		if from < 0 {
			from = 0
		}
		i := bytes.Index(s.buf[from:], delimiter)
		if i < 0 {
			s.searched = len(s.buf)
			break
		}
		end := from + i
		frames = append(frames, append([]byte(nil), s.buf[:end]...))
		s.buf = s.buf[end+len(delimiter):]
		s.searched = 0
	}

	if len(s.buf) > MaxFrameSize {
		s.Reset()
		return frames, ErrFrameTooLarge
	}
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}
	return frames, nil
}

// buffered reports how many bytes are waiting for a delimiter.
func (s *Splitter) buffered() int {
	return len(s.buf)
}

func (s *Splitter) Reset() {
	s.buf = nil
	s.searched = 0
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) readInt32(field string) (int32, error) {
	b, err := r.readBytes(field, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *reader) readBytes(field string, n int) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrTruncated, field, n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readCString(field string) (string, error) {
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: %s is not NUL-terminated", ErrTruncated, field)
	}
	s := r.buf[r.off : r.off+i]
	r.off += i + 1
	return strings.ToValidUTF8(string(s), "\uFFFD"), nil
}
