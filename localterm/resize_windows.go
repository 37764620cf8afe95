//go:build windows

package localterm

// watchResize is a no-op: Windows consoles do not deliver SIGWINCH.
func watchResize(func()) (stop func()) {
	return func() {}
}
