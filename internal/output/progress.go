package output

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/utils"
)

// ProgressDisplay renders downloader progress as a terminal bar. It starts as
// a spinner and switches to a bounded bar once the total size is known.
type ProgressDisplay struct {
	bar   *progressbar.ProgressBar
	label string
	total int64
}

func NewProgressDisplay(w io.Writer, label string) *ProgressDisplay {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        StyleSymbols["hline"],
			SaucerPadding: " ",
			BarStart:      StyleSymbols["bullet"],
			BarEnd:        StyleSymbols["bullet"],
		}),
	)
	return &ProgressDisplay{bar: bar, label: label}
}

func (d *ProgressDisplay) Update(p downloader.Progress) {
	if p.Total > 0 && p.Total != d.total {
		d.total = p.Total
		d.bar.ChangeMax64(p.Total)
	}
	d.bar.Describe(fmt.Sprintf("%s %s", d.label, FDebug("eta "+utils.FormatETA(p.ETA))))
	_ = d.bar.Set64(p.Written)
}

func (d *ProgressDisplay) Finish() {
	_ = d.bar.Finish()
}

// Abort clears the bar without completing it.
func (d *ProgressDisplay) Abort() {
	_ = d.bar.Exit()
}
