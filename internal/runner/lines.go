package runner

import (
	"bytes"
	"strings"
)

// LineSink receives one completed line of output, without its terminator.
type LineSink func(line string)

// lineWriter is an io.Writer that accumulates everything written to it and
// forwards each completed line to a sink as soon as its newline arrives.
// A trailing line without a newline is forwarded by Flush.
//
// One lineWriter serves exactly one stream, so lines reach the sink in the
// order they were produced.
type lineWriter struct {
	sink    LineSink
	partial []byte
	all     strings.Builder
}

func newLineWriter(sink LineSink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.all.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(w.partial[:i], []byte{'\r'}))
		w.partial = append(w.partial[:0], w.partial[i+1:]...)
		w.emit(line)
	}
	return len(p), nil
}

// Flush forwards the buffered unterminated line, if any.
func (w *lineWriter) Flush() {
	if len(w.partial) == 0 {
		return
	}
	line := string(bytes.TrimSuffix(w.partial, []byte{'\r'}))
	w.partial = w.partial[:0]
	w.emit(line)
}

func (w *lineWriter) emit(line string) {
	if w.sink != nil {
		w.sink(line)
	}
}

// String returns everything written so far.
func (w *lineWriter) String() string {
	return w.all.String()
}
