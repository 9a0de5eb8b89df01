package downloader

import (
	"time"
)

const (
	// unknownSizeReference stands in for the total when the server does not
	// report a size.
	unknownSizeReference = 256 << 20
	unknownSizeCeiling   = 0.99
)

// ETAUnknown is reported when the remaining time cannot be estimated.
const ETAUnknown time.Duration = -1

type Progress struct {
	URL            string
	Fraction       float64
	BytesPerSecond float64
	ETA            time.Duration
	Written        int64
	Total          int64
}

// computeProgress returns false when no time has elapsed yet.
func computeProgress(url string, written, total int64, elapsed time.Duration) (Progress, bool) {
	if elapsed <= 0 {
		return Progress{}, false
	}
	p := Progress{
		URL:            url,
		Written:        written,
		Total:          total,
		BytesPerSecond: float64(written) / elapsed.Seconds(),
		ETA:            ETAUnknown,
	}
	if total > 0 {
		p.Fraction = min(float64(written)/float64(total), 1.0)
		if p.BytesPerSecond > 0 {
			remaining := float64(max(total-written, 0)) / p.BytesPerSecond
			p.ETA = time.Duration(remaining * float64(time.Second))
		}
		return p, true
	}
	p.Fraction = min(float64(written)/float64(unknownSizeReference), unknownSizeCeiling)
	return p, true
}
