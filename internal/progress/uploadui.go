// Package progress renders a batch's lifecycle on the terminal: a spinner
// while existence checks run, then one mpb bar per file being written.
// It is driven entirely by EventBus events, so the engine never knows it
// is being displayed.
package progress

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/events"
)

// UploadUI follows one batch on the event bus and draws it.
type UploadUI struct {
	out        io.Writer
	isTerminal bool
	totalFiles int

	mu       sync.Mutex
	progress *mpb.Progress // created when uploading starts
	spinner  *Spinner
	bars     map[int]*FileBar
	started  int

	done chan struct{}
}

// FileBar is the bar for one file occurrence.
type FileBar struct {
	bar        *mpb.Bar
	index      int
	name       string
	size       int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
}

// NewUploadUI draws to f, with bars only when f is a terminal.
func NewUploadUI(f *os.File, totalFiles int) *UploadUI {
	isTerminal := term.IsTerminal(int(f.Fd()))
	if isTerminal {
		enableANSI(f)
	}
	return newUploadUI(f, isTerminal, totalFiles)
}

func newUploadUI(w io.Writer, isTerminal bool, totalFiles int) *UploadUI {
	return &UploadUI{
		out:        w,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
		bars:       make(map[int]*FileBar),
		done:       make(chan struct{}),
	}
}

// Follow starts consuming batchID's events from bus. It returns at once;
// Wait blocks until the batch completes or the bus is closed.
func (u *UploadUI) Follow(bus *events.EventBus, batchID string) {
	ch := bus.SubscribeAll()
	go func() {
		defer close(u.done)
		defer bus.UnsubscribeAll(ch)
		for ev := range ch {
			if ev.Batch() != batchID {
				continue
			}
			if u.handle(ev) {
				return
			}
		}
		// The bus closed without batch_complete reaching us; it was dropped.
		u.mu.Lock()
		u.finish()
		u.mu.Unlock()
	}()
}

// handle applies one event and reports whether the batch is over.
func (u *UploadUI) handle(ev events.Event) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch e := ev.(type) {
	case *events.BatchStateEvent:
		u.onState(e)
	case *events.FileStatusEvent:
		u.onStatus(e)
	case *events.FileProgressEvent:
		if fb := u.bars[e.Index]; fb != nil {
			fb.update(e.Percent)
		}
	case *events.BatchCompleteEvent:
		u.finish()
		return true
	}
	return false
}

func (u *UploadUI) onState(e *events.BatchStateEvent) {
	switch e.NewState {
	case "probing":
		if u.isTerminal {
			u.spinner = NewSpinner(u.out, fmt.Sprintf("Checking %d file(s) for conflicts", e.Files))
		}
	case "uploading":
		u.stopSpinner()
		if u.isTerminal && u.progress == nil {
			u.progress = mpb.New(
				mpb.WithOutput(u.out),
				mpb.WithRefreshRate(constants.ProgressRefreshRate),
				mpb.WithWidth(100),
			)
		}
	default:
		u.stopSpinner()
	}
}

func (u *UploadUI) onStatus(e *events.FileStatusEvent) {
	switch e.Status {
	case "uploading":
		u.addBar(e.Index, e.Name, e.Size)
	case "success":
		fb := u.bars[e.Index]
		if fb == nil {
			fb = &FileBar{index: e.Index, name: e.Name, size: e.Size, startTime: time.Now()}
		}
		if fb.bar != nil {
			fb.bar.SetCurrent(barTotal(fb.size))
			fb.bar.SetTotal(barTotal(fb.size), true)
		}
		elapsed := time.Since(fb.startTime)
		u.println(fmt.Sprintf("✓ %s (%s, %s)", truncateKey(e.Name, 3), humanize.IBytes(uint64(e.Size)), elapsed.Round(time.Millisecond)))
		delete(u.bars, e.Index)
	case "error":
		if fb := u.bars[e.Index]; fb != nil && fb.bar != nil {
			fb.bar.Abort(false)
		}
		u.println(fmt.Sprintf("✗ %s: %s", truncateKey(e.Name, 3), e.Error))
		delete(u.bars, e.Index)
	case "skipped":
		u.println(fmt.Sprintf("- %s (skipped, already exists)", truncateKey(e.Name, 3)))
	}
}

func (u *UploadUI) addBar(index int, name string, size int64) {
	u.started++
	fb := &FileBar{
		index:      index,
		name:       name,
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}
	u.bars[index] = fb

	label := fmt.Sprintf("[%d/%d] %s (%s)", u.started, u.totalFiles, truncateKey(name, 3), humanize.IBytes(uint64(size)))

	if u.progress == nil {
		u.println("Uploading " + label)
		return
	}

	fb.bar = u.progress.New(barTotal(size),
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(label, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
}

// update moves the bar to percent of the file size. Redraws are throttled.
func (f *FileBar) update(percent int) {
	if f.bar == nil {
		return
	}
	now := time.Now()
	elapsed := now.Sub(f.lastUpdate)
	if elapsed < constants.ProgressUpdateInterval && percent < 100 {
		return
	}
	current := barTotal(f.size) * int64(percent) / 100
	if delta := current - f.lastBytes; delta > 0 {
		f.bar.EwmaIncrBy(int(delta), elapsed)
		f.lastBytes = current
	}
	f.lastUpdate = now
}

func (u *UploadUI) stopSpinner() {
	if u.spinner != nil {
		u.spinner.Finish()
		u.spinner = nil
	}
}

// finish aborts bars whose final status was never seen (dropped events),
// so Wait cannot hang.
func (u *UploadUI) finish() {
	u.stopSpinner()
	for idx, fb := range u.bars {
		if fb.bar != nil {
			fb.bar.Abort(true)
		}
		delete(u.bars, idx)
	}
}

// Wait blocks until the followed batch completes and all bars are drawn.
func (u *UploadUI) Wait() {
	<-u.done
	u.mu.Lock()
	p := u.progress
	u.mu.Unlock()
	if p != nil {
		p.Wait()
	}
}

// Writer returns a writer that prints above active bars.
func (u *UploadUI) Writer() io.Writer {
	return writerFunc(func(b []byte) (int, error) {
		u.mu.Lock()
		p := u.progress
		u.mu.Unlock()
		if p != nil {
			return p.Write(b)
		}
		return u.out.Write(b)
	})
}

// IsTerminal reports whether bars are drawn.
func (u *UploadUI) IsTerminal() bool { return u.isTerminal }

// println writes a line above the bars, or straight to out without them.
// Callers hold u.mu.
func (u *UploadUI) println(s string) {
	line := []byte(s + "\n")
	if u.progress != nil {
		_, _ = u.progress.Write(line)
		return
	}
	_, _ = u.out.Write(line)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

// barTotal keeps mpb from treating empty files as unknown-length.
func barTotal(size int64) int64 {
	return max(size, 1)
}

// truncateKey keeps the last n components of a slash-separated key.
// Example: truncateKey("a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncateKey(key string, n int) string {
	parts := strings.Split(key, "/")
	if len(parts) <= n {
		return key
	}
	return "…/" + path.Join(parts[len(parts)-n:]...)
}
