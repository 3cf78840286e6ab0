package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// ErrFrameTooLong is returned for a line longer than the maximum frame size.
// The rest of the line has been discarded and the reader stays usable.
var ErrFrameTooLong = errors.New("frame exceeds maximum size")

// FrameReader splits a connection stream into newline-terminated frames
type FrameReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewFrameReader creates a reader that rejects frames over maxFrame bytes
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = 64 * 1024
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), max: maxFrame}
}

// Next returns the next frame without its line terminator. The returned
// slice is only valid until the next call. A final frame without a
// trailing newline is returned before io.EOF.
func (fr *FrameReader) Next() ([]byte, error) {
	fr.buf = fr.buf[:0]
	tooLong := false

	for {
		chunk, err := fr.r.ReadSlice('\n')
		if !tooLong {
			if len(fr.buf)+len(chunk) > fr.max+1 {
				tooLong = true
				fr.buf = fr.buf[:0]
			} else {
				fr.buf = append(fr.buf, chunk...)
			}
		}

		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			if tooLong || len(fr.buf) == 0 {
				return nil, io.EOF
			}
			return bytes.TrimRight(fr.buf, "\r\n"), nil
		case err != nil:
			return nil, err
		}

		if tooLong {
			return nil, ErrFrameTooLong
		}
		return bytes.TrimRight(fr.buf, "\r\n"), nil
	}
}

// ParseFrame decodes the packets of one frame. The frame is read as UTF-8
// text, invalid sequences become U+FFFD. Several concatenated JSON objects
// yield one packet each; decoding stops at the first malformed object and
// the packets before it are still returned with the error.
func ParseFrame(frame []byte) ([]core.Packet, error) {
	if !utf8.Valid(frame) {
		frame = bytes.ToValidUTF8(frame, []byte("\uFFFD"))
	}
	dec := json.NewDecoder(bytes.NewReader(frame))

	var packets []core.Packet
	for {
		var p core.Packet
		err := dec.Decode(&p)
		if err == io.EOF {
			return packets, nil
		}
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
}
