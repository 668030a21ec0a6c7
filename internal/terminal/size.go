package terminal

import (
	"os"

	"golang.org/x/term"
)

// Size reports the dimensions of the terminal attached to f. ok is false
// when f is not a terminal.
func Size(f *os.File) (cols, rows int, ok bool) {
	w, h, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
