//go:build windows

package logger

// Color output is not supported on Windows consoles.
func isTerminal(fd uintptr) bool {
	return false
}
