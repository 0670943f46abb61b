package mikoshi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type logSnapshot struct {
	path    string
	content string
	live    bool
}

// readBuildLog prefers the raw log a running build is still writing to;
// once only the compressed log remains, the snapshot is static.
func readBuildLog(workspace string) logSnapshot {
	raw := filepath.Join(workspace, buildLogName)
	if b, err := os.ReadFile(raw); err == nil {
		return logSnapshot{path: raw, content: string(b), live: true}
	}

	xzPath := raw + ".xz"
	b, err := readXZFile(xzPath)
	if err != nil {
		return logSnapshot{
			path:    xzPath,
			content: fmt.Sprintf("No build log yet (%v).\nRun 'mikoshi build' to start one.", err),
		}
	}
	return logSnapshot{path: xzPath, content: string(b)}
}

// followLog tails the workspace build log in a full-screen view,
// refreshing while a build is writing. Scroll position is kept across
// refreshes unless the view already sat at the bottom, in which case it
// keeps following new output.
func followLog(workspace string) int {
	app := tview.NewApplication()

	header := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	header.SetBorder(true)
	header.SetTitle("mikoshi build log")

	view := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	view.SetBorder(true)

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft).
		SetText("[gray]Press 'q' or Ctrl+Q to quit | ↑ ↓ to scroll | PgUp/PgDn | Home/End to jump to start/end[white]")
	footer.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(view, 0, 1, true).
		AddItem(footer, 3, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			app.Stop()
			return nil
		case tcell.KeyHome:
			view.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			view.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := view.GetScrollOffset()
			if row > 0 {
				view.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := view.GetScrollOffset()
			view.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := view.GetScrollOffset()
			if row > 10 {
				view.ScrollTo(row-10, 0)
			} else {
				view.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := view.GetScrollOffset()
			view.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	updates := make(chan logSnapshot, 4)
	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case updates <- readBuildLog(workspace):
			default:
			}
		}
	}()

	var prev string
	go func() {
		for snap := range updates {
			snap := snap
			app.QueueUpdateDraw(func() {
				applyLogSnapshot(header, view, snap, &prev)
			})
		}
	}()

	app.SetRoot(flex, true).SetFocus(view)
	applyLogSnapshot(header, view, readBuildLog(workspace), &prev)

	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "log view:", err)
		return 1
	}
	return 0
}

func applyLogSnapshot(header, view *tview.TextView, snap logSnapshot, prev *string) {
	state := "finished"
	if snap.live {
		state = "running"
	}
	header.SetText(fmt.Sprintf("[gray]%s (%s)[white]", snap.path, state))

	if snap.content == *prev {
		return
	}

	row, _ := view.GetScrollOffset()

	// Probe whether the view sat at the end before the refresh: a scroll
	// one past the bottom does not move.
	wasAtBottom := *prev == ""
	if *prev != "" {
		view.ScrollTo(row+1, 0)
		newRow, _ := view.GetScrollOffset()
		wasAtBottom = newRow == row
		view.ScrollTo(row, 0)
	}

	view.Clear()
	fmt.Fprint(tview.ANSIWriter(view), snap.content)

	if wasAtBottom {
		view.ScrollToEnd()
	} else if added := strings.Count(snap.content, "\n") - strings.Count(*prev, "\n"); added > 0 {
		view.ScrollTo(row+added, 0)
	} else {
		view.ScrollTo(row, 0)
	}

	*prev = snap.content
}
