//go:build windows

package tui

func resetTTY() {}
