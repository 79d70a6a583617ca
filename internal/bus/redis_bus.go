package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus relays every publication onto a Redis stream so a durable log
// process elsewhere in the cluster (spec.md §1 "persists every inbound and
// outbound message to a replicated log") can pick it up, while still
// returning the local commit semantics the Framer depends on. It embeds a
// LocalBus for the position/back-pressure bookkeeping and mirrors committed
// records onto Redis best-effort, matching the teacher's
// fabric.RedisEventBus "publish to Redis, fall back to local on failure"
// shape.
type RedisBus struct {
	*LocalBus
	client     *redis.Client
	streamKey  string
	maxLen     int64
	logger     *slog.Logger
	publishCtx func() (context.Context, context.CancelFunc)
}

// NewRedisBus creates a RedisBus that mirrors onto the given stream key.
func NewRedisBus(client *redis.Client, streamKey string, capacity int, maxLen int64) *RedisBus {
	if streamKey == "" {
		streamKey = "framer:publications"
	}
	return &RedisBus{
		LocalBus:  NewLocalBus(capacity),
		client:    client,
		streamKey: streamKey,
		maxLen:    maxLen,
		logger:    slog.Default(),
		publishCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 2*time.Second)
		},
	}
}

func (b *RedisBus) mirror(kind string, args ...any) {
	payload, err := json.Marshal(args)
	if err != nil {
		b.logger.Warn("redis bus: marshal failed", "kind", kind, "error", err)
		return
	}
	ctx, cancel := b.publishCtx()
	defer cancel()
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"kind": kind, "args": payload},
	}).Err()
	if err != nil {
		b.logger.Warn("redis bus: mirror failed, local commit still stands", "kind", kind, "error", err)
	}
}

func (b *RedisBus) SaveManageConnection(connectionID uint64, sessionID int64, address string, libraryID int32, direction Direction, lastSentSeq, lastRecvSeq int64, state string, heartbeatIntervalS int) int64 {
	pos := b.LocalBus.SaveManageConnection(connectionID, sessionID, address, libraryID, direction, lastSentSeq, lastRecvSeq, state, heartbeatIntervalS)
	if pos > 0 {
		b.mirror("ManageConnection", connectionID, sessionID, address, libraryID, direction, lastSentSeq, lastRecvSeq, state, heartbeatIntervalS)
	}
	return pos
}

func (b *RedisBus) SaveLogon(libraryID int32, connectionID uint64, sessionID int64, sentSeq, recvSeq int64, senderCompID, senderSubID, senderLocationID, targetCompID, username, password string, status LogonStatus) int64 {
	pos := b.LocalBus.SaveLogon(libraryID, connectionID, sessionID, sentSeq, recvSeq, senderCompID, senderSubID, senderLocationID, targetCompID, username, password, status)
	if pos > 0 {
		b.mirror("Logon", libraryID, connectionID, sessionID, sentSeq, recvSeq, senderCompID, targetCompID, status)
	}
	return pos
}

func (b *RedisBus) SaveError(kind string, libraryID int32, replyTo int64, message string) int64 {
	pos := b.LocalBus.SaveError(kind, libraryID, replyTo, message)
	if pos > 0 {
		b.mirror("GatewayError", kind, libraryID, replyTo, message)
	}
	return pos
}

func (b *RedisBus) SaveReleaseSessionReply(status ReplyStatus, correlationID int64) int64 {
	pos := b.LocalBus.SaveReleaseSessionReply(status, correlationID)
	if pos > 0 {
		b.mirror("ReleaseSessionReply", status, correlationID)
	}
	return pos
}

func (b *RedisBus) SaveRequestSessionReply(status ReplyStatus, correlationID int64) int64 {
	pos := b.LocalBus.SaveRequestSessionReply(status, correlationID)
	if pos > 0 {
		b.mirror("RequestSessionReply", status, correlationID)
	}
	return pos
}

func (b *RedisBus) SaveApplicationHeartbeat(libraryID int32) int64 {
	pos := b.LocalBus.SaveApplicationHeartbeat(libraryID)
	if pos > 0 {
		b.mirror("ApplicationHeartbeat", libraryID)
	}
	return pos
}

func (b *RedisBus) SaveControlNotification(libraryID int32, sessions []SessionInfo) int64 {
	pos := b.LocalBus.SaveControlNotification(libraryID, sessions)
	if pos > 0 {
		b.mirror("ControlNotification", libraryID, sessions)
	}
	return pos
}

func (b *RedisBus) SaveLibraryTimeout(libraryID int32, reserved int64) int64 {
	pos := b.LocalBus.SaveLibraryTimeout(libraryID, reserved)
	if pos > 0 {
		b.mirror("LibraryTimeout", libraryID, reserved)
	}
	return pos
}
