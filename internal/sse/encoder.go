package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-proxy/internal/event"
)

var ErrClosed = errors.New("sse: stream already terminated")

// FrameError reports an event the framer could not encode. Nothing was
// written for it, so the stream is still open for an error frame.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("sse: failed to frame event: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

var (
	doneFrame      = []byte("data: [DONE]\n\n")
	keepAliveFrame = []byte(": keep-alive\n\n")
)

// Encoder writes server-sent event frames, one per event, flushing after
// each frame when the writer supports it. After Done or Error no further
// frames are written.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
	framer  Framer
	closed  bool
	frames  int
}

func NewEncoder(w io.Writer, framer Framer) *Encoder {
	e := &Encoder{w: w, framer: framer}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Frames returns how many data frames have been written.
func (e *Encoder) Frames() int { return e.frames }

func (e *Encoder) Event(ev *event.Event) error {
	if e.closed {
		return ErrClosed
	}
	payload, err := e.framer.Frame(ev)
	if err != nil {
		return &FrameError{Err: err}
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if err := e.write(frame); err != nil {
		return err
	}
	e.frames++
	return nil
}

// KeepAlive writes a comment frame that clients ignore.
func (e *Encoder) KeepAlive() error {
	if e.closed {
		return ErrClosed
	}
	return e.write(keepAliveFrame)
}

// Done writes the terminal marker.
func (e *Encoder) Done() error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	return e.write(doneFrame)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error writes a terminal error frame.
func (e *Encoder) Error(kind, message string) error {
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	payload, err := json.Marshal(errorBody{Error: errorDetail{Kind: kind, Message: message}})
	if err != nil {
		return err
	}
	return e.write(fmt.Appendf(nil, "event: error\ndata: %s\n\n", payload))
}

func (e *Encoder) write(frame []byte) error {
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
