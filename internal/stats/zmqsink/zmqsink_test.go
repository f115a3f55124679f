package zmqsink

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dstream/internal/stats"
)

func TestClassifyRecv(t *testing.T) {
	assert.Equal(t, recvRetry, classifyRecv(zmq4.Errno(syscall.EAGAIN)))
	assert.Equal(t, recvRetry, classifyRecv(syscall.EINTR))
	assert.Equal(t, recvStop, classifyRecv(zmq4.ETERM))
	assert.Equal(t, recvStop, classifyRecv(zmq4.ENOTSOCK))
	assert.Equal(t, recvStop, classifyRecv(zmq4.ErrorSocketClosed))
	assert.Equal(t, recvBackoff, classifyRecv(errors.New("boom")))
}

func TestPublishSubscribe(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://stats-%d", time.Now().UnixNano())
	pub, err := NewPublisher(endpoint, "")
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan stats.Report, 1)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, endpoint, "", func(r stats.Report) {
			select {
			case got <- r:
			default:
			}
		})
	}()

	// A new subscriber misses whatever was sent before it joined.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var report stats.Report
loop:
	for {
		select {
		case report = <-got:
			break loop
		case <-ticker.C:
			pub.Flush(stats.Report{Role: "server", Frames: 30})
		case <-ctx.Done():
			t.Fatal("no report received")
		}
	}
	cancel()
	assert.Equal(t, "server", report.Role)
	assert.Equal(t, 30, report.Frames)
	require.NoError(t, <-done)
}

func TestFlushAfterCloseIsNoop(t *testing.T) {
	pub, err := NewPublisher(fmt.Sprintf("inproc://closed-%d", time.Now().UnixNano()), "")
	require.NoError(t, err)
	require.NoError(t, pub.Close())
	pub.Flush(stats.Report{Role: "client"})
	require.NoError(t, pub.Close())
}
