package producer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/pgrepl"
	"github.com/walpipe/walpipe/wal"
)

const standbyUpdateInterval = 10 * time.Second

// Stream owns the replication connection exclusively: it decodes the
// copy stream, feeds the producer, and reports acknowledged positions
// back to the source via standby status updates.
type Stream struct {
	conn        *pgconn.PgConn
	slot        string
	publication string
	producer    *Producer

	received atomic.Uint64
	acked    atomic.Uint64
	ceiling  atomic.Uint64
}

// ConnectStream opens the replication connection. The DSN must carry
// replication=database; Validate on the source configuration enforces
// that before this is reached.
func ConnectStream(ctx context.Context, dsn, slot, publication string, producer *Producer) (*Stream, error) {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("replication connect: %w", err)
	}
	return &Stream{
		conn:        conn,
		slot:        slot,
		publication: publication,
		producer:    producer,
	}, nil
}

// Ack marks delivery durable up to pos. The next standby status update
// may report it, letting the source discard log behind it.
func (s *Stream) Ack(pos wal.Position) {
	raisePosition(&s.acked, uint64(pos))
}

// Advance implements SlotAdvancer by raising the retention ceiling to
// retain. Positions only move forward.
func (s *Stream) Advance(_ context.Context, retain wal.Position) error {
	raisePosition(&s.ceiling, uint64(retain))
	return nil
}

// flushPosition is the position reported to the source as flushed: the
// delivery head clamped to the retention ceiling, so the source never
// reclaims log still inside the resumable window.
func (s *Stream) flushPosition() uint64 {
	return min(s.acked.Load(), s.ceiling.Load())
}

func raisePosition(p *atomic.Uint64, pos uint64) {
	for {
		cur := p.Load()
		if pos <= cur || p.CompareAndSwap(cur, pos) {
			return
		}
	}
}

// Run drives the copy stream until the context is cancelled or the
// connection fails. It always resumes from the slot's persisted
// confirmed position; locally tracked positions are hints only.
func (s *Stream) Run(ctx context.Context) error {
	sysident, err := pglogrepl.IdentifySystem(ctx, s.conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	log.Info().
		Str("system_id", sysident.SystemID).
		Stringer("server_pos", sysident.XLogPos).
		Str("slot", s.slot).
		Msg("Replication stream connecting")

	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.publication),
			"messages 'true'",
		},
	}
	// LSN zero means "slot's confirmed position" on the server side.
	if err := pglogrepl.StartReplication(ctx, s.conn, s.slot, 0, opts); err != nil {
		return fmt.Errorf("start replication on slot %s: %w", s.slot, err)
	}

	nextStandby := time.Now().Add(standbyUpdateInterval)
	for {
		if time.Now().After(nextStandby) {
			if err := s.sendStandbyUpdate(ctx); err != nil {
				return err
			}
			nextStandby = time.Now().Add(standbyUpdateInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("replication connection lost: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication stream error: %s (%s)", msg.Message, msg.Code)
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, msg.Data); err != nil {
				return err
			}
		default:
			log.Debug().Msgf("Ignoring unexpected backend message %T", rawMsg)
		}
	}
}

func (s *Stream) handleCopyData(ctx context.Context, data []byte) error {
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("malformed keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return s.sendStandbyUpdate(ctx)
		}

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("malformed xlog frame: %w", err)
		}
		s.received.Store(uint64(xld.WALStart) + uint64(len(xld.WALData)))

		decoded, err := pgrepl.Decode(xld.WALData)
		if err != nil {
			var decodeErr *pgrepl.DecodeError
			if errors.As(err, &decodeErr) {
				s.producer.protocolError("undecodable message at %s: %v", xld.WALStart, err)
				return nil
			}
			return err
		}
		if err := s.producer.Handle(decoded); err != nil {
			return err
		}

	default:
		log.Debug().Uint8("tag", data[0]).Msg("Ignoring unknown copy stream frame")
	}
	return nil
}

func (s *Stream) sendStandbyUpdate(ctx context.Context) error {
	flushed := pglogrepl.LSN(s.flushPosition())
	update := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(s.received.Load()),
		WALFlushPosition: flushed,
		WALApplyPosition: flushed,
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, update); err != nil {
		return fmt.Errorf("standby status update: %w", err)
	}
	return nil
}

// Close tears the replication connection down.
func (s *Stream) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
