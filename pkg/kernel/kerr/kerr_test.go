package kerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := New(NoRoute, "router.Route", "channel %q", "payroll.sync")
	assert.True(t, errors.Is(err, ErrNoRoute))
	assert.False(t, errors.Is(err, ErrUnknownPID))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNoRoute))
	assert.Equal(t, NoRoute, CodeOf(wrapped))
}

func TestErrorString(t *testing.T) {
	err := New(DuplicatePID, "scheduler.AddProcess", "pid %d", 7)
	assert.Equal(t, "scheduler.AddProcess: DuplicatePid: pid 7", err.Error())
	assert.Equal(t, "NotOwner", ErrNotOwner.Error())
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil, HandlerFailed, "op"))

	plain := From(errors.New("boom"), HandlerFailed, "kernel.Send")
	assert.Equal(t, HandlerFailed, plain.Code)
	assert.Equal(t, "boom", plain.Detail)

	typed := New(AuthExpired, "envelope.Validate", "expired")
	assert.Same(t, typed, From(fmt.Errorf("x: %w", typed), HandlerFailed, "kernel.Send"))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.True(t, RateLimited.Retryable())
	assert.False(t, NotOwner.Retryable())
}
