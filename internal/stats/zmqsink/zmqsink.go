// Package zmqsink publishes timing reports on a ZeroMQ PUB socket and reads
// them back. It needs libzmq; the stats package itself does not.
package zmqsink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"golang.org/x/time/rate"

	"dstream/internal/stats"
)

const (
	DefaultTopic   = "dstream.stats"
	publisherHWM   = 64
	subscribeRecvT = 250 * time.Millisecond
	recvPause      = 100 * time.Millisecond
)

// Publisher sends reports as CBOR on a PUB socket. Sends never block; a
// report is dropped when the socket is full or has no peers.
type Publisher struct {
	mu       sync.Mutex
	socket   *zmq4.Socket
	topic    string
	endpoint string
	logs     rate.Sometimes
}

var _ stats.Sink = (*Publisher)(nil)

func NewPublisher(endpoint, topic string) (*Publisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("stats publisher: %w", err)
	}
	if err := socket.SetSndhwm(publisherHWM); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("stats publisher: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("stats publisher: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("stats publisher bind %s: %w", endpoint, err)
	}
	return &Publisher{
		socket:   socket,
		topic:    topic,
		endpoint: endpoint,
		logs:     rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

func (p *Publisher) Flush(r stats.Report) {
	payload, err := stats.EncodeReport(r)
	if err != nil {
		p.logs.Do(func() { log.Printf("stats publish encode: %v", err) })
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return
	}
	if _, err := p.socket.SendMessageDontwait(p.topic, payload); err != nil {
		p.logs.Do(func() { log.Printf("stats publish %s: %v", p.endpoint, err) })
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

type recvAction int

const (
	recvRetry recvAction = iota
	recvBackoff
	recvStop
)

// classifyRecv decides what the subscriber does after a failed receive.
// EAGAIN is the receive timeout; a terminated context or a closed socket
// will never deliver again.
func classifyRecv(err error) recvAction {
	if errors.Is(err, zmq4.ErrorSocketClosed) {
		return recvStop
	}
	switch zmq4.AsErrno(err) {
	case zmq4.Errno(syscall.EAGAIN), zmq4.Errno(syscall.EINTR):
		return recvRetry
	case zmq4.ETERM, zmq4.ENOTSOCK:
		return recvStop
	}
	return recvBackoff
}

// Subscribe connects a SUB socket and calls fn for every decoded report until
// ctx is done or the socket can no longer receive.
func Subscribe(ctx context.Context, endpoint, topic string, fn func(stats.Report)) error {
	if topic == "" {
		topic = DefaultTopic
	}
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("stats subscribe: %w", err)
	}
	defer socket.Close()

	if err := socket.SetRcvtimeo(subscribeRecvT); err != nil {
		return fmt.Errorf("stats subscribe: %w", err)
	}
	if err := socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("stats subscribe: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		return fmt.Errorf("stats subscribe connect %s: %w", endpoint, err)
	}

	logs := rate.Sometimes{Interval: 10 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		parts, err := socket.RecvMessageBytes(0)
		if err != nil {
			switch classifyRecv(err) {
			case recvRetry:
				continue
			case recvStop:
				return fmt.Errorf("stats subscribe %s: %w", endpoint, err)
			}
			logs.Do(func() { log.Printf("stats recv error: %v", err) })
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(recvPause):
			}
			continue
		}
		if len(parts) != 2 {
			logs.Do(func() { log.Printf("stats ignoring %d-part message", len(parts)) })
			continue
		}
		report, err := stats.DecodeReport(parts[1])
		if err != nil {
			logs.Do(func() { log.Printf("%v", err) })
			continue
		}
		fn(report)
	}
}
