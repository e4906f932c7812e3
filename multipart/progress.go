package multipart

import "io"

// ProgressReader wraps a chunk's data reader and reports the absolute
// number of bytes read from it so far. Wrapping a fresh reader restarts
// the count, which is exactly the overwrite semantics chunk progress
// requires: a retried part reports from zero again instead of
// accumulating.
type ProgressReader struct {
	r      io.Reader
	read   int64
	report func(uploadedBytes int64)
}

// NewProgressReader wraps r so every read reports the running total to
// report. A nil report func disables reporting.
func NewProgressReader(r io.Reader, report func(uploadedBytes int64)) *ProgressReader {
	return &ProgressReader{r: r, report: report}
}

// Read implements io.Reader.
func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.report != nil {
			p.report(p.read)
		}
	}
	return n, err
}
