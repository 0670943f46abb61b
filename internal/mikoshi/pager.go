package mikoshi

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// RunPager shows content in a scrollable view when stdout is an
// interactive terminal and the content overflows one screen. Otherwise
// it degrades to a plain print so output stays pipeable.
func RunPager(title, content string) error {
	fd := int(os.Stdout.Fd())
	content = strings.TrimRight(content, "\n")

	if !term.IsTerminal(fd) {
		fmt.Println(content)
		return nil
	}

	// Two lines of slack for the view border.
	if _, height, err := term.GetSize(fd); err == nil && strings.Count(content, "\n")+1 <= height-2 {
		fmt.Println(content)
		return nil
	}

	app := tview.NewApplication()

	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	view.SetBorder(true).SetTitle(" " + title + " ")

	// ANSIWriter converts escape sequences into view color tags.
	fmt.Fprint(tview.ANSIWriter(view), content)

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Use ↑/↓, PgUp/PgDn, Home/End to scroll. Press 'q' or 'Esc' to quit.[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(view, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(view).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}
