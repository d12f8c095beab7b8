package printer_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfab/printfleet/internal/printer"
)

func TestErrorString(t *testing.T) {
	err := printer.WrapError(printer.KindTransient, "octoprint.connect", "connection failed",
		errors.New("dial tcp: timeout"))
	err.Hints = []string{"check network", "verify port 80"}

	msg := err.Error()
	assert.Contains(t, msg, "octoprint.connect")
	assert.Contains(t, msg, "connection failed")
	assert.Contains(t, msg, "dial tcp: timeout")
	assert.Contains(t, msg, "check network; verify port 80")
}

func TestKindOf(t *testing.T) {
	transient := printer.NewError(printer.KindTransient, "op", "x")
	assert.Equal(t, printer.KindTransient, printer.KindOf(transient))

	// Wrapped errors are unwrapped via errors.As.
	wrapped := fmt.Errorf("outer: %w", printer.NewError(printer.KindNotFound, "op", "x"))
	assert.Equal(t, printer.KindNotFound, printer.KindOf(wrapped))

	// Unclassified errors are treated as fatal.
	assert.Equal(t, printer.KindFatal, printer.KindOf(errors.New("plain")))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, printer.IsNotFound(printer.NewError(printer.KindNotFound, "op", "x")))
	assert.False(t, printer.IsNotFound(printer.NewError(printer.KindFatal, "op", "x")))
	assert.True(t, printer.IsTransient(printer.NewError(printer.KindTransient, "op", "x")))
	assert.False(t, printer.IsTransient(errors.New("plain")))
}

func TestSupportsExtension(t *testing.T) {
	caps := printer.Capabilities{SupportedExtensions: []string{".gcode", ".3mf"}}
	assert.True(t, caps.SupportsExtension(".gcode"))
	assert.True(t, caps.SupportsExtension(".3mf"))
	assert.False(t, caps.SupportsExtension(".stl"))
}
