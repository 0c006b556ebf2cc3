package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfBuffersUntilSinkIsAttached(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	Printf("[memblock] add: [0x%x-0x%x]\n", 0x100000, 0x10ffffff)

	if OutputSink() != nil {
		t.Fatal("expected no output sink to be attached")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	exp := "[memblock] add: [0x100000-0x10ffffff]\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected early output to be replayed as %q; got %q", exp, got)
	}

	buf.Reset()
	Printf("[buddy] alloc: frame 0x%x, order %d\n", 0x102, 0)
	if exp, got := "[buddy] alloc: frame 0x102, order 0\n", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"%d/%x/%s/%t", []interface{}{10, 255, "str", true}, "10/ff/str/true"},
		{"%#x", []interface{}{uintptr(0x102000)}, "0x102000"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
