package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/xtxerr/brwmon/config"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// FrameReader reads length-delimited messages from a byte stream. Each
// frame is a varint length followed by a protobuf StringValue holding one
// text message. It is safe for concurrent use.
type FrameReader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewFrameReader creates a FrameReader wrapping r. A maxSize of zero uses
// DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = config.DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadMessage reads the next frame. It returns io.EOF, unwrapped, when the
// stream ends cleanly between frames.
func (r *FrameReader) ReadMessage() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := &wrapperspb.StringValue{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: int64(r.maxSize),
	}
	if err := opts.UnmarshalFrom(r.r, v); err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("read frame: %w", err)
	}
	return v.GetValue(), nil
}

// FrameWriter writes length-delimited messages to a byte stream. It is
// safe for concurrent use.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewFrameWriter creates a FrameWriter wrapping w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage writes msg as one frame.
func (w *FrameWriter) WriteMessage(msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, wrapperspb.String(msg)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
