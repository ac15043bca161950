package compose

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an unresolvable layout, bundle, or static
	// script/style reference. It is fatal to the render call, unlike a
	// missing inline include which degrades to an inline marker.
	ErrNotFound = errors.New("referenced asset not found")

	// ErrCycle marks composition recursion exceeding the depth bound,
	// the signature of a cyclic layout or include chain.
	ErrCycle = errors.New("composition cycle detected")
)

// MarkupError reports content that failed to parse as markup during
// composition, wrapping the identity of the asset that produced it.
type MarkupError struct {
	Applet string
	Asset  string
	Err    error
}

func (e *MarkupError) Error() string {
	return fmt.Sprintf("asset %s/%s: markup parse: %v", e.Applet, e.Asset, e.Err)
}

func (e *MarkupError) Unwrap() error { return e.Err }
