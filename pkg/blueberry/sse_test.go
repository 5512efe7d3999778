package blueberry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSseStopReleasesBlockedReader(t *testing.T) {
	s, err := NewSseButtons(&Blueberry{logger: zap.NewNop().Sugar()}, zap.NewNop().Sugar())
	require.NoError(t, err)

	// active connection whose reader sits inside a blocking Read
	s.stopChannel = make(chan bool)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connected = true

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with nobody draining the stop channel")
	}

	// the canceled context is what releases a blocked Read
	require.Error(t, s.ctx.Err())

	// the reader loop observes the closed channel on its next pass
	select {
	case <-s.stopChannel:
	default:
		t.Fatal("stop channel was not closed")
	}
}
