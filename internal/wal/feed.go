package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const redialDelay = 2 * time.Second

// DialSidecar streams wal2json envelopes from the replication sidecar at
// addr into c, redialing after connection loss until ctx is done.
func DialSidecar(ctx context.Context, addr string, c *Consumer) error {
	for {
		err := readSidecar(ctx, addr, c)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("wal sidecar disconnected", zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(redialDelay):
		}
	}
}

func readSidecar(ctx context.Context, addr string, c *Consumer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.log.Info("wal sidecar connected", zap.String("addr", addr))
	return consume(ctx, conn, c)
}

// consume decodes a stream of (possibly pretty-printed) JSON envelopes.
func consume(ctx context.Context, r io.Reader, c *Consumer) error {
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if _, err := c.OnMessage(ctx, raw); err != nil {
			c.log.Warn("wal message dropped", zap.Error(err))
		}
	}
}

// ListenNotify consumes the documents trigger payloads on channel until ctx
// is done. Notifications sent while the listener was reconnecting are lost.
func ListenNotify(ctx context.Context, dsn, channel string, n Notifier, log *zap.Logger) error {
	if log == nil {
		log = zap.L().Named("wal")
	}
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn("notify listener", zap.Int("event", int(ev)), zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Warn("notify listener reconnected; changes may have been missed")
		}
	})
	defer l.Close()
	if err := l.Listen(channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Info("listening for document notifications", zap.String("channel", channel))

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			go l.Ping()
		case msg := <-l.Notify:
			if msg == nil {
				continue
			}
			ref, err := ParsePayload(msg.Extra)
			if err != nil {
				log.Warn("bad notification payload", zap.String("payload", msg.Extra), zap.Error(err))
				continue
			}
			if err := n.Notify(ctx, ref.Collection, ref.ID); err != nil {
				log.Error("notify failed", zap.String("collection", ref.Collection), zap.String("id", ref.ID), zap.Error(err))
			}
		}
	}
}

// ParsePayload decodes a trigger payload {"collection":...,"id":...}.
func ParsePayload(s string) (DocRef, error) {
	var ref DocRef
	if err := json.Unmarshal([]byte(s), &ref); err != nil {
		return ref, err
	}
	if ref.Collection == "" || ref.ID == "" {
		return ref, fmt.Errorf("payload %q lacks collection or id", s)
	}
	return ref, nil
}
