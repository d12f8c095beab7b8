package adapter_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printfleet/internal/adapter"
	"github.com/openfab/printfleet/internal/printer"
)

func TestRedialerCooldown(t *testing.T) {
	r := adapter.NewRedialer(time.Minute, time.Hour)

	require.NoError(t, r.Allow())

	r.Failure()
	err := r.Allow()
	require.Error(t, err)
	assert.True(t, printer.IsTransient(err))
	assert.Contains(t, err.Error(), "cooldown")

	// A successful connect clears the window immediately.
	r.Success()
	assert.NoError(t, r.Allow())
}

func TestRedialerCooldownExpires(t *testing.T) {
	r := adapter.NewRedialer(10*time.Millisecond, 20*time.Millisecond)

	r.Failure()
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, r.Allow())
}

func TestConnectErrorCarriesHints(t *testing.T) {
	err := adapter.ConnectError("bambu.connect", errors.New("connection refused"),
		"check the access code", "verify port 8883")

	assert.True(t, printer.IsTransient(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "check the access code; verify port 8883")
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want printer.ErrorKind
	}{
		{http.StatusRequestTimeout, printer.KindTransient},
		{http.StatusTooManyRequests, printer.KindTransient},
		{http.StatusBadGateway, printer.KindTransient},
		{http.StatusServiceUnavailable, printer.KindTransient},
		{http.StatusGatewayTimeout, printer.KindTransient},
		{http.StatusInternalServerError, printer.KindTransient},
		{http.StatusNotFound, printer.KindNotFound},
		{http.StatusUnauthorized, printer.KindFatal},
		{http.StatusForbidden, printer.KindFatal},
		{http.StatusConflict, printer.KindFatal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, adapter.ClassifyHTTPStatus(tc.code), "status %d", tc.code)
	}
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, adapter.IsTransportError(nil))
	assert.False(t, adapter.IsTransportError(errors.New("protocol violation")))
	assert.True(t, adapter.IsTransportError(&net.OpError{Op: "dial", Err: errors.New("refused")}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	// Deadline errors report Timeout() and count as transport failures.
	assert.True(t, adapter.IsTransportError(ctx.Err()))
}
