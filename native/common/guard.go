package common

import (
	"errors"
	"fmt"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a fixed pause set, typically loaded from operator
// configuration.
type StaticPauses map[string]bool

func (p StaticPauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	return p[strings.ToLower(strings.TrimSpace(module))]
}

type combinedPauses []PauseView

func (c combinedPauses) IsPaused(module string) bool {
	for _, view := range c {
		if view != nil && view.IsPaused(module) {
			return true
		}
	}
	return false
}

// Combine reports a module paused when any of the supplied views does.
func Combine(views ...PauseView) PauseView {
	filtered := make(combinedPauses, 0, len(views))
	for _, view := range views {
		if view != nil {
			filtered = append(filtered, view)
		}
	}
	return filtered
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}
