package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// MaxSSELineSize bounds one line of an upstream event stream.
const MaxSSELineSize = 2 << 20

// Terminator inspects one SSE message and reports whether it marks the end
// of the stream, or an in-band error.
type Terminator func(event string, data []byte) (done bool, err error)

// SSEReader reads server-sent event data payloads from a response body.
type SSEReader struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	terminate Terminator
	eofIsDone bool
	event     string
	finished  bool
}

// NewSSEReader wraps body. When eofIsDone is set a clean end of body counts
// as completion; otherwise completion requires terminate to report done and
// a body that simply ends is io.ErrUnexpectedEOF.
func NewSSEReader(body io.ReadCloser, terminate Terminator, eofIsDone bool) *SSEReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), MaxSSELineSize)
	return &SSEReader{
		body:      body,
		scanner:   scanner,
		terminate: terminate,
		eofIsDone: eofIsDone,
	}
}

func (r *SSEReader) Next(ctx context.Context) ([]byte, error) {
	if r.finished {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !r.scanner.Scan() {
			err := r.scanner.Err()
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, fmt.Errorf("sse line exceeds %d bytes: %w", MaxSSELineSize, err)
			}
			if err != nil {
				return nil, err
			}
			if r.eofIsDone {
				r.finished = true
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}

		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		if after, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			r.event = string(bytes.TrimSpace(after))
			continue
		}

		after, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		// the scanner reuses its buffer on the next line
		data := bytes.Clone(bytes.TrimSpace(after))

		if r.terminate != nil {
			done, terr := r.terminate(r.event, data)
			if terr != nil {
				return nil, terr
			}
			if done {
				r.finished = true
				return nil, io.EOF
			}
		}
		return data, nil
	}
}

func (r *SSEReader) Close() error {
	return r.body.Close()
}
