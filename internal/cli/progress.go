package cli

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// waitIndicator animates on stderr while the CLI blocks on webhooks. A
// disabled indicator is a no-op, so callers never branch on the TTY.
type waitIndicator struct {
	bar     *progressbar.ProgressBar
	updates chan string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func startWaitIndicator(enabled bool, description string) *waitIndicator {
	return newWaitIndicator(os.Stderr, enabled, description)
}

func newWaitIndicator(w io.Writer, enabled bool, description string) *waitIndicator {
	if !enabled {
		return &waitIndicator{}
	}

	wi := &waitIndicator{
		bar: progressbar.NewOptions(
			-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(80*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		),
		updates: make(chan string, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go wi.run()
	return wi
}

func (wi *waitIndicator) run() {
	defer close(wi.done)
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-wi.stop:
			_ = wi.bar.Finish()
			return
		case text := <-wi.updates:
			wi.bar.Describe(text)
		case <-ticker.C:
			_ = wi.bar.Add(1)
		}
	}
}

// Describe replaces the label. Only the latest pending label is kept.
func (wi *waitIndicator) Describe(text string) {
	if wi.bar == nil {
		return
	}
	select {
	case <-wi.updates:
	default:
	}
	select {
	case wi.updates <- text:
	default:
	}
}

func (wi *waitIndicator) Stop() {
	if wi.bar == nil {
		return
	}
	wi.once.Do(func() {
		close(wi.stop)
		<-wi.done
	})
}
