package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/parafetch/parafetch/internal/progress"
	"github.com/parafetch/parafetch/internal/utils"
)

const progressWidth = 30

// SnapshotFunc supplies the current progress of one tracked transfer.
type SnapshotFunc func() progress.Snapshot

type entry struct {
	name     string
	snapshot SnapshotFunc
	done     bool
	skipped  bool
	note     string
	err      error
}

// Renderer drives the live terminal display. Transfers push nothing: the
// renderer polls their snapshot functions on its own cadence, so no render
// rate is imposed on the engine.
type Renderer struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	numLines int
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewRenderer() *Renderer {
	return &Renderer{
		entries: make(map[string]*entry),
		doneCh:  make(chan struct{}),
	}
}

// Track registers a transfer under a display name.
func (r *Renderer) Track(name string, fn SnapshotFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = &entry{name: name, snapshot: fn}
}

// Complete marks a tracked transfer finished, with err nil on success.
func (r *Renderer) Complete(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[name]; exists {
		e.done = true
		e.err = err
	}
}

// Skip marks a tracked transfer as intentionally not run, with a short
// reason shown in place of progress. Skips do not count as failures.
func (r *Renderer) Skip(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[name]; exists {
		e.done = true
		e.skipped = true
		e.note = reason
	}
}

func (r *Renderer) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.render()
			case <-r.doneCh:
				r.render()
				return
			}
		}
	}()
}

func (r *Renderer) Stop() {
	close(r.doneCh)
	r.wg.Wait()
	fmt.Println()
}

func (r *Renderer) render() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.numLines != 0 {
		fmt.Printf("\033[%dA\033[J", r.numLines)
	}
	width := terminalWidth()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	for _, name := range names {
		text, style := renderLine(r.entries[name])
		fmt.Println(style.Render(truncate(text, width)))
	}
	r.numLines = len(names)
}

func renderLine(e *entry) (string, lipgloss.Style) {
	displayName := e.name
	if len(displayName) > 25 {
		displayName = "..." + displayName[len(displayName)-22:]
	}
	if e.done {
		if e.skipped {
			return fmt.Sprintf("- %s: %s", displayName, e.note), detailStyle
		}
		if e.err != nil {
			return fmt.Sprintf("✗ %s: %v", displayName, e.err), errorStyle
		}
		snap := e.snapshot()
		return fmt.Sprintf("✓ %s: %s", displayName, utils.FormatBytes(uint64(snap.Done))), successStyle
	}
	snap := e.snapshot()
	if snap.Done == 0 {
		return fmt.Sprintf("  %s: waiting...", displayName), pendingStyle
	}
	if snap.Total <= 0 {
		// total size unknown
		bar := "[" + strings.Repeat(" ", 10) + strings.Repeat("*", 10) + strings.Repeat(" ", 10) + "]"
		return fmt.Sprintf("%s: %s %s %s", displayName, bar,
			utils.FormatBytes(uint64(snap.Done)), utils.FormatSpeed(snap.Rate)), infoStyle
	}
	eta := "calculating..."
	if snap.HasETA {
		eta = formatETA(snap.ETA)
	}
	return fmt.Sprintf("%s: %s %.1f%% %s/%s %s ETA: %s",
		displayName, bar(snap.Percent()), snap.Percent(),
		utils.FormatBytes(uint64(snap.Done)), utils.FormatBytes(uint64(snap.Total)),
		utils.FormatSpeed(snap.Rate), eta), infoStyle
}

func bar(percent float64) string {
	filled := int(percent / 100 * float64(progressWidth))
	if filled > progressWidth {
		filled = progressWidth
	}
	b := "[" + strings.Repeat("=", filled)
	if filled < progressWidth {
		b += ">" + strings.Repeat(" ", progressWidth-filled-1)
	}
	return b + "]"
}

func formatETA(d time.Duration) string {
	s := int64(d.Seconds())
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
}

// Summary prints one aggregate line after the display stops.
func (r *Renderer) Summary() {
	fmt.Println(detailStyle.Render(r.summaryLine()))
}

func (r *Renderer) summaryLine() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var totalBytes int64
	var failures, skips int
	for _, e := range r.entries {
		snap := e.snapshot()
		totalBytes += snap.Done
		if e.err != nil {
			failures++
		}
		if e.skipped {
			skips++
		}
	}
	return fmt.Sprintf("Total Data: %s, Transfers: %d, Skipped: %d, Failed: %d",
		utils.FormatBytes(uint64(totalBytes)), len(r.entries), skips, failures)
}

// truncate cuts text to width on rune boundaries; byte slicing could split
// the multibyte status glyphs.
func truncate(text string, width int) string {
	if utf8.RuneCountInString(text) <= width {
		return text
	}
	return string([]rune(text)[:width])
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}
