package output

import (
	"fmt"
	"time"

	"github.com/tanq16/rangefetch/internal/utils"
)

// Summary is the one-line report printed after a download ends.
type Summary struct {
	Path    string
	Bytes   int64
	Elapsed time.Duration
	Err     error
	Stopped bool
}

func (s Summary) Render() string {
	switch {
	case s.Stopped:
		return FWarning(StyleSymbols["warning"]+" Download stopped") + " " + FDebug("partial file removed: "+s.Path)
	case s.Err != nil:
		return FError(StyleSymbols["fail"]+" Download failed") + " " + FDebug(s.Err.Error())
	default:
		details := fmt.Sprintf("(%s in %s, %s)",
			utils.FormatBytes(uint64(max(s.Bytes, 0))),
			s.Elapsed.Round(time.Millisecond),
			utils.FormatSpeed(s.Bytes, s.Elapsed.Seconds()),
		)
		return FSuccess(StyleSymbols["pass"]+" Downloaded") + " " + FDetail(s.Path) + " " + FDebug(details)
	}
}

func PrintSummary(s Summary) {
	fmt.Fprintln(Stdout, s.Render())
}
