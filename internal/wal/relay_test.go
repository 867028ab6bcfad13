package wal

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRelayFeedsConsumer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster(nil)
	served := make(chan error, 1)
	go func() { served <- ServeRelay(ctx, ln, b) }()

	n := &fakeNotifier{}
	go DialSidecar(ctx, ln.Addr().String(), NewConsumer(n))

	deadline := time.Now().Add(2 * time.Second)
	for b.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Clients() != 1 {
		t.Fatalf("clients = %d", b.Clients())
	}

	b.Broadcast([]byte(`{"change":[{"kind":"insert","table":"documents","columnnames":["collection","id"],"columnvalues":["hunts","h7"]}]}`))
	for len(n.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := n.snapshot(); len(got) != 1 || got[0] != (DocRef{"hunts", "h7"}) {
		t.Fatalf("refs = %v", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("ServeRelay = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeRelay did not stop")
	}
}

func TestBroadcastDropsForSlowClients(t *testing.T) {
	b := NewBroadcaster(nil)
	ch := make(chan []byte, 1)
	b.add(ch)
	b.Broadcast([]byte("a"))
	b.Broadcast([]byte("b"))
	if got := string(<-ch); got != "a" {
		t.Fatalf("got %q", got)
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %q", m)
	default:
	}
	b.remove(ch)
	if b.Clients() != 0 {
		t.Fatal("client not removed")
	}
}
