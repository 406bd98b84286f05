package goroutine

import (
	"testing"

	"go.uber.org/zap"
)

func TestRecoverSwallowsPanic(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("test-goroutine", zap.NewNop().Sugar())
		panic("boom")
	}()
	<-done
}

func TestRecoverNilLoggerFallsBack(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("test-goroutine", nil)
		panic("boom")
	}()
	<-done
}
