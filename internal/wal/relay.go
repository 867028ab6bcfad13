package wal

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans raw wal2json messages out to relay clients. A client
// whose buffer is full misses messages rather than stalling replication.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[chan []byte]struct{}
	log       *zap.Logger
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.L().Named("relay")
	}
	return &Broadcaster{listeners: make(map[chan []byte]struct{}), log: log}
}

func (b *Broadcaster) add(ch chan []byte) {
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	n := len(b.listeners)
	b.mu.Unlock()
	b.log.Debug("relay client added", zap.Int("clients", n))
}

func (b *Broadcaster) remove(ch chan []byte) {
	b.mu.Lock()
	delete(b.listeners, ch)
	b.mu.Unlock()
}

// Clients returns the number of connected relay clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *Broadcaster) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			b.log.Warn("relay client too slow, dropping message")
		}
	}
}

// ServeRelay accepts relay clients on ln and streams broadcasts to each of
// them, one message per line, until ctx is done.
func ServeRelay(ctx context.Context, ln net.Listener, b *Broadcaster) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go serveClient(ctx, c, b)
	}
}

func serveClient(ctx context.Context, c net.Conn, b *Broadcaster) {
	defer c.Close()
	msgs := make(chan []byte, 64)
	b.add(msgs)
	defer b.remove(msgs)
	b.log.Info("relay client connected", zap.Stringer("remote", c.RemoteAddr()))

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			if _, err := c.Write(append(msg, '\n')); err != nil {
				b.log.Info("relay client gone", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
				return
			}
		}
	}
}
