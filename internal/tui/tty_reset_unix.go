//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// resetTTY restores cooked mode if the dashboard exits abnormally.
func resetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty > /dev/null 2>&1 || true").Run()
}
