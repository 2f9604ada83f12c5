package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go("boom", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestRecoverWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("noop")
	})
}
