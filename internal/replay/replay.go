// Package replay reads recorded frames, one JSON object per line.
//
// A line looks like:
//
//	{"index":1,"width":640,"height":480,"detections":[{"box":[10,20,50,60],"class":"apple","confidence":0.91}]}
//
// with an optional "hint" object mapping identity to {"x":..,"y":..}.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/logging"
)

// maxLineSize bounds a single recorded frame.
const maxLineSize = 4 << 20

// Source yields frames from a JSONL stream. Blank lines are ignored and
// lines that do not decode are logged and skipped.
type Source struct {
	scanner *bufio.Scanner
	closer  io.Closer
	log     logrus.FieldLogger
	line    int
	skipped int
}

// NewSource reads frames from r.
func NewSource(r io.Reader, log logrus.FieldLogger) *Source {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	s := &Source{scanner: scanner, log: logging.Component(log, "replay")}
	if c, ok := r.(io.Closer); ok && r != os.Stdin {
		s.closer = c
	}
	return s
}

// Open reads frames from the file at path, or from stdin when path is "-".
func Open(path string, log logrus.FieldLogger) (*Source, error) {
	if path == "-" {
		return NewSource(os.Stdin, log), nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	return NewSource(f, log), nil
}

// Next returns the next frame, or io.EOF at the end of the stream.
func (s *Source) Next(ctx context.Context) (detector.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return detector.Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return detector.Frame{}, fmt.Errorf("line %d: %w", s.line+1, err)
			}
			return detector.Frame{}, io.EOF
		}
		s.line++

		data := s.scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			s.skipped++
			s.log.WithField("line", s.line).WithError(err).Warn("skipping malformed frame")
			continue
		}
		return frame, nil
	}
}

// Skipped returns how many lines could not be decoded.
func (s *Source) Skipped() int {
	return s.skipped
}

// Close closes the underlying file. Stdin is left open.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func decodeFrame(data []byte) (detector.Frame, error) {
	var frame detector.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return detector.Frame{}, err
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return detector.Frame{}, errors.New("frame width and height must be positive")
	}
	return frame, nil
}

// Writer records frames as JSON lines.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewWriter writes frames to w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{w: bw, enc: json.NewEncoder(bw)}
}

// Write appends one frame. Malformed detections are left out, since their
// NaN placeholders have no JSON form.
func (w *Writer) Write(frame detector.Frame) error {
	valid := make([]detector.Detection, 0, len(frame.Detections))
	for _, d := range frame.Detections {
		if d.Validate() == nil {
			valid = append(valid, d)
		}
	}
	frame.Detections = valid
	return w.enc.Encode(frame)
}

// Flush writes any buffered frames.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// FrameSource is the part of a frame source a Recorder wraps.
type FrameSource interface {
	Next(ctx context.Context) (detector.Frame, error)
	Close() error
}

// Recorder passes frames through from a source and records each one. A
// failed write is logged once and recording stops; frames keep flowing.
type Recorder struct {
	source FrameSource
	writer *Writer
	closer io.Closer
	log    logrus.FieldLogger
	failed bool
}

// NewRecorder records the frames of source to w. Close flushes w and closes
// it if it is an io.Closer.
func NewRecorder(source FrameSource, w io.Writer, log logrus.FieldLogger) *Recorder {
	r := &Recorder{
		source: source,
		writer: NewWriter(w),
		log:    logging.Component(log, "recorder"),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Record creates path and records the frames of source to it.
func Record(path string, source FrameSource, log logrus.FieldLogger) (*Recorder, error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return NewRecorder(source, f, log), nil
}

// Next returns the next frame of the wrapped source.
func (r *Recorder) Next(ctx context.Context) (detector.Frame, error) {
	frame, err := r.source.Next(ctx)
	if err != nil || r.failed {
		return frame, err
	}
	if werr := r.writer.Write(frame); werr != nil {
		r.failed = true
		r.log.WithError(werr).WithField("frame", frame.Index).Warn("recording stopped")
	}
	return frame, nil
}

// Close flushes the recording and closes it and the wrapped source.
func (r *Recorder) Close() error {
	err := r.writer.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return errors.Join(err, r.source.Close())
}
