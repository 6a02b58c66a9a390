package harness

import (
	"encoding/json"
	"errors"
	stdsync "sync"

	"github.com/quiltdb/quilt/internal/sync"
)

// memPipe joins two sync sessions in memory. Frames cross as JSON bytes
// so the wire encoding is exercised exactly as it would be over a
// websocket.
type memPipe struct {
	send chan<- []byte
	recv <-chan []byte
	done chan struct{}
	once *stdsync.Once
}

func newMemPipe() (*memPipe, *memPipe) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	once := &stdsync.Once{}
	a := &memPipe{send: ab, recv: ba, done: done, once: once}
	b := &memPipe{send: ba, recv: ab, done: done, once: once}
	return a, b
}

func (p *memPipe) Send(m *sync.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errors.New("pipe closed")
	case p.send <- data:
		return nil
	}
}

func (p *memPipe) Receive() (*sync.Message, error) {
	select {
	case <-p.done:
		return nil, errors.New("pipe closed")
	case data := <-p.recv:
		var m sync.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
}

func (p *memPipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
