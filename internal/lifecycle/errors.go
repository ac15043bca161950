package lifecycle

import "errors"

var (
	// ErrConflict is returned when installing a package whose id is
	// already installed in the target scope without the upgrade flag,
	// or when startup recovery finds two solutions with the same id.
	ErrConflict = errors.New("already installed")

	// ErrHasDependents is returned when uninstalling an applet that
	// other installed applets in the same scope depend on.
	ErrHasDependents = errors.New("applet has dependents")

	// ErrNotInstalled is returned when an operation names an applet or
	// solution that is not installed.
	ErrNotInstalled = errors.New("not installed")
)
