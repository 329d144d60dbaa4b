package ingest

import "io"

// progressReader reports cumulative read progress as a 0-100 percentage.
// Percentages are clamped and never regress even if the underlying reader
// is re-read after a transport-level retry.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	last  float64
	on    func(float64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		p.report()
	}
	return n, err
}

func (p *progressReader) report() {
	if p.on == nil || p.total <= 0 {
		return
	}
	percent := float64(p.sent) / float64(p.total) * 100
	if percent > 100 {
		percent = 100
	}
	if percent <= p.last {
		return
	}
	p.last = percent
	p.on(percent)
}
