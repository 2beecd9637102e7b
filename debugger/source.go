package debugger

import (
	"bufio"
	"os"
)

// sourceReader lazily loads the debugged source file for the source layout.
type sourceReader struct {
	path   string
	lines  []string
	loaded bool
}

func newSourceReader(path string) *sourceReader {
	return &sourceReader{path: path}
}

// Line returns the 1-based source line, or false when the file could not be
// read or the line is out of range.
func (r *sourceReader) Line(n uint32) (string, bool) {
	if !r.loaded {
		r.loaded = true
		f, err := os.Open(r.path)
		if err != nil {
			return "", false
		}
		defer f.Close()
		scan := bufio.NewScanner(f)
		for scan.Scan() {
			r.lines = append(r.lines, scan.Text())
		}
	}
	if n == 0 || int(n) > len(r.lines) {
		return "", false
	}
	return r.lines[n-1], true
}

// Len returns the number of loaded source lines.
func (r *sourceReader) Len() int {
	return len(r.lines)
}
