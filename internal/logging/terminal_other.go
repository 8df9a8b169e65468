//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package logging

func isTerminal(uintptr) bool {
	return false
}
