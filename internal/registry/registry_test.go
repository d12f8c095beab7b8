package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printfleet/internal/printer"
	"github.com/openfab/printfleet/internal/printer/printertest"
	"github.com/openfab/printfleet/internal/registry"
)

func TestRegisterAndGet(t *testing.T) {
	reg := registry.New(nil)
	fake := printertest.New("voron-1")

	reg.Register("voron-1", fake)

	got, err := reg.Get("voron-1")
	require.NoError(t, err)
	assert.Equal(t, "voron-1", got.Name())
}

func TestGetUnknownPrinter(t *testing.T) {
	reg := registry.New(nil)

	_, err := reg.Get("ghost")
	require.Error(t, err)
	assert.True(t, printer.IsNotFound(err))
}

func TestUnregister(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("voron-1", printertest.New("voron-1"))

	assert.True(t, reg.Unregister("voron-1"))
	assert.False(t, reg.Unregister("voron-1"))

	_, err := reg.Get("voron-1")
	assert.True(t, printer.IsNotFound(err))
}

func TestNamesSorted(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("zephyr", printertest.New("zephyr"))
	reg.Register("ankermake", printertest.New("ankermake"))
	reg.Register("mk4", printertest.New("mk4"))

	assert.Equal(t, []string{"ankermake", "mk4", "zephyr"}, reg.Names())
}
