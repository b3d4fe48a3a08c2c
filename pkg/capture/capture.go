// Package capture defines the platform capabilities the learning engine uses
// to observe text after it has been pasted into another application.
//
// The engine never talks to the clipboard or the accessibility layer
// directly. Hosts inject a [ClipboardReader] for cheap, frequent polling and
// a [FocusedTextReader] for the more expensive read of the focused editable
// element. A FocusedTextReader that also implements [Subscriber] is used in
// push mode instead of being polled.
//
// Implementations must be safe for concurrent use.
package capture

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by a [FocusedTextReader] when the platform does
// not allow reading the focused element, for example because accessibility
// permission has not been granted. The engine degrades to clipboard-only
// observation when it sees this error.
var ErrUnavailable = errors.New("capture: focused text unavailable")

// ClipboardReader polls the system clipboard.
type ClipboardReader interface {
	// PollClipboardText returns the current clipboard text and whether it
	// changed since the previous call.
	PollClipboardText(ctx context.Context) (changed bool, text string, err error)
}

// FocusedTextReader reads the text of the currently focused editable element.
type FocusedTextReader interface {
	// ReadFocusedEditableText returns the element's text. It returns
	// [ErrUnavailable] when the capability is missing.
	ReadFocusedEditableText(ctx context.Context) (string, error)
}

// Subscriber is implemented by focused-text sources that can push change
// notifications instead of being polled.
type Subscriber interface {
	// Subscribe returns a channel that receives the element text after every
	// change. The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan string, error)
}

// ClipboardFunc adapts an ordinary function to [ClipboardReader].
type ClipboardFunc func(ctx context.Context) (bool, string, error)

// PollClipboardText implements [ClipboardReader].
func (f ClipboardFunc) PollClipboardText(ctx context.Context) (bool, string, error) {
	return f(ctx)
}

// FocusedTextFunc adapts an ordinary function to [FocusedTextReader].
type FocusedTextFunc func(ctx context.Context) (string, error)

// ReadFocusedEditableText implements [FocusedTextReader].
func (f FocusedTextFunc) ReadFocusedEditableText(ctx context.Context) (string, error) {
	return f(ctx)
}

// Unavailable is a [FocusedTextReader] that always reports [ErrUnavailable].
// Hosts without accessibility support use it to run clipboard-only.
type Unavailable struct{}

// ReadFocusedEditableText implements [FocusedTextReader].
func (Unavailable) ReadFocusedEditableText(context.Context) (string, error) {
	return "", ErrUnavailable
}
