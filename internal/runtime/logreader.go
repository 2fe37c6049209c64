package runtime

import (
	"bufio"
	"io"
)

// drainLines reads newline-delimited text from r and forwards each
// non-empty line to sink, tagging it with isError. Used by both the
// docker and shifter adapters so stdout/stderr get identical
// treatment regardless of backend.
func drainLines(sink LogSink, jobID string, r io.Reader, isError bool) {
	if sink == nil {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		sink.Line(jobID, line, isError)
	}
}
