package timerworker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_RunInvokesRegisteredSweepersUntilCanceled(t *testing.T) {
	w := New(nil)
	calls := make(chan string, 8)
	w.Register("a", func() { calls <- "a" })
	w.Register("b", func() { calls <- "b" })

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case first := <-calls:
		assert.Equal(t, "a", first)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sweeper")
	}

	<-done
}

func Test_SweeperPanicDoesNotStopOthers(t *testing.T) {
	w := New(nil)
	ran := false
	w.Register("panics", func() { panic("boom") })
	w.Register("runs-anyway", func() { ran = true })

	w.sweepOnce()
	assert.True(t, ran)
}
