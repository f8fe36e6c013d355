package common

import "errors"

// ErrSystemPaused is returned by Guard when the requested module is halted.
var ErrSystemPaused = errors.New("system paused")

// PauseView reports whether a named module is currently halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails fast when the module is paused. A nil view or empty module name
// disables the check so engines work standalone in tests.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrSystemPaused
	}
	return nil
}
