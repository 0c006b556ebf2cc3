// Package kfmt implements the kernel console: formatted output that is
// buffered until a console sink is attached, line prefixing and the kernel
// panic path.
package kfmt

import (
	"fmt"
	"io"

	"github.com/yydcnjjw/my-os/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// a console sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes from concurrent allocator callers.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// OutputSink returns the currently attached sink or nil if output is still
// being buffered.
func OutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()
	return outputSink
}

// Printf formats according to a format specifier and writes the output to
// the attached sink. If no sink is attached, the output is captured by a
// fixed-size ring buffer and replayed once SetOutputSink is called.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = fmt.Fprintf(w, format, args...)
}
