package utils

import (
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }} {{speed . }}`

// ProgressBar renders one aggregate byte bar for a set of keyed transfers.
// Updates carry each transfer's running total; the bar shows their sum, so
// a transfer that restarts from zero rolls the aggregate back accordingly.
type ProgressBar struct {
	bar *pb.ProgressBar

	mu     sync.Mutex
	perKey map[string]int64
	done   int64
}

// NewProgressBar starts a byte-mode bar over total, writing to out.
func NewProgressBar(total int64, out io.Writer) *ProgressBar {
	bar := pb.ProgressBarTemplate(progressTemplate).Start64(total)
	bar.Set(pb.Bytes, true)
	if out != nil {
		bar.SetWriter(out)
	}
	return &ProgressBar{bar: bar, perKey: make(map[string]int64)}
}

// Update records key's running byte total.
func (p *ProgressBar) Update(key string, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.perKey[key]
	if bytes == prev {
		return
	}
	p.done += bytes - prev
	p.perKey[key] = bytes
	p.bar.SetCurrent(p.done)
}

// Current returns the aggregate byte count shown on the bar.
func (p *ProgressBar) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Finish stops rendering.
func (p *ProgressBar) Finish() {
	p.bar.Finish()
}
