package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Reader splits a stream into newline-terminated frames.
type Reader struct {
	br  *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxFrame int) *Reader {
	size := 4096
	if maxFrame < size {
		size = maxFrame
	}
	return &Reader{br: bufio.NewReaderSize(r, size), max: maxFrame}
}

// ReadFrame returns the next frame without its line terminator. An empty
// slice is a blank line. ErrFrameTooLarge leaves the stream unusable.
func (r *Reader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(frame)+len(chunk) > r.max+2 {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(frame) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	frame = bytes.TrimRight(frame, "\r\n")
	if len(frame) > r.max {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}
