package safe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoRecovers(t *testing.T) {
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

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(3, "int") })
}
