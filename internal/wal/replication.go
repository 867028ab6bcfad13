package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

// pg error code for duplicate_object, returned when the slot already exists.
const codeDuplicateObject = "42710"

type ReplicationConfig struct {
	DSN             string
	Slot            string
	CreateSlot      bool
	StandbyInterval time.Duration
	RetryInterval   time.Duration
}

// Replicate streams wal2json output from the configured slot into b,
// reconnecting after failures until ctx is done.
func Replicate(ctx context.Context, cfg ReplicationConfig, b *Broadcaster, log *zap.Logger) error {
	if log == nil {
		log = zap.L().Named("replication")
	}
	if cfg.StandbyInterval <= 0 {
		cfg.StandbyInterval = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	for {
		err := replicateOnce(ctx, cfg, b, log)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("replication interrupted", zap.Error(err), zap.Duration("retry", cfg.RetryInterval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RetryInterval):
		}
	}
}

func replicateOnce(ctx context.Context, cfg ReplicationConfig, b *Broadcaster, log *zap.Logger) error {
	pcfg, err := pgconn.ParseConfig(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, pcfg)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	log.Info("identified system",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.Stringer("xlogpos", sys.XLogPos),
		zap.String("db", sys.DBName))

	if cfg.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, cfg.Slot, "wal2json", pglogrepl.CreateReplicationSlotOptions{})
		var pgErr *pgconn.PgError
		switch {
		case err == nil:
			log.Info("created replication slot", zap.String("slot", cfg.Slot))
		case errors.As(err, &pgErr) && pgErr.Code == codeDuplicateObject:
		default:
			return fmt.Errorf("create slot %q: %w", cfg.Slot, err)
		}
	}

	err = pglogrepl.StartReplication(ctx, conn, cfg.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{`"format-version" '1'`}})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	log.Info("replication started", zap.String("slot", cfg.Slot))

	st := &replState{}
	deadline := time.Now().Add(cfg.StandbyInterval)
	for {
		if time.Now().After(deadline) && st.lsn != 0 {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: st.lsn})
			if err != nil {
				return fmt.Errorf("standby status: %w", err)
			}
			log.Debug("sent standby status", zap.Stringer("lsn", st.lsn))
			deadline = time.Now().Add(cfg.StandbyInterval)
		}

		rctx, cancel := context.WithDeadline(ctx, deadline)
		raw, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return err
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("server error: %s", msg.Message)
		case *pgproto3.CopyData:
			reply, err := st.handle(msg.Data, b)
			if err != nil {
				log.Warn("bad replication message", zap.Error(err))
				continue
			}
			if reply {
				deadline = time.Time{}
			}
		default:
			log.Debug("unexpected message", zap.String("type", fmt.Sprintf("%T", raw)))
		}
	}
}

type replState struct {
	lsn pglogrepl.LSN
}

// handle processes one CopyData payload and reports whether the server
// asked for an immediate status reply.
func (st *replState) handle(data []byte, b *Broadcaster) (bool, error) {
	if len(data) == 0 {
		return false, errors.New("empty copy data")
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return false, fmt.Errorf("keepalive: %w", err)
		}
		if pkm.ServerWALEnd > st.lsn {
			st.lsn = pkm.ServerWALEnd
		}
		return pkm.ReplyRequested, nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return false, fmt.Errorf("xlog data: %w", err)
		}
		if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > st.lsn {
			st.lsn = end
		}
		b.Broadcast(xld.WALData)
		return false, nil
	}
	return false, fmt.Errorf("unknown message byte %q", data[0])
}
