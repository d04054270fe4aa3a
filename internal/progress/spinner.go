package progress

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Spinner is an indeterminate progress indicator for work with no known
// size, such as a round of existence checks.
type Spinner struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSpinner starts a spinner on w with the given description.
func NewSpinner(w io.Writer, description string) *Spinner {
	s := &Spinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
		),
		stop: make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				_ = s.bar.Add(1)
			}
		}
	}()
	return s
}

// Finish stops and clears the spinner. It is safe to call more than once.
func (s *Spinner) Finish() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		_ = s.bar.Finish()
	})
}
