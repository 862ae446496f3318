package core

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// ReceiptTracker records read marks. It pushes nothing; clients re-query the
// aggregator to see updated unread counts.
type ReceiptTracker struct {
	store   store.Store
	clock   clock.Clock
	timeout time.Duration
}

// NewReceiptTracker wires a tracker.
func NewReceiptTracker(st store.Store, clk clock.Clock, timeout time.Duration) *ReceiptTracker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return &ReceiptTracker{store: st, clock: clk, timeout: timeout}
}

// MarkRead marks one message read. Re-marking is a no-op.
func (r *ReceiptTracker) MarkRead(ctx context.Context, userID, messageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return storageError("load message", err)
	}
	member, err := r.store.IsMember(ctx, userID, msg.ConversationID)
	if err != nil {
		return storageError("check membership", err)
	}
	if !member {
		return ErrPermissionDenied
	}
	if _, err := r.store.MarkRead(ctx, userID, messageID, r.clock.Now()); err != nil {
		return storageError("mark read", err)
	}
	return nil
}

// MarkConversationRead marks every unread message of a conversation in one
// batch and returns how many marks were written.
func (r *ReceiptTracker) MarkConversationRead(ctx context.Context, userID, conversationID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	member, err := r.store.IsMember(ctx, userID, conversationID)
	if err != nil {
		return 0, storageError("check membership", err)
	}
	if !member {
		return 0, ErrPermissionDenied
	}
	n, err := r.store.MarkConversationRead(ctx, userID, conversationID)
	if err != nil {
		return 0, storageError("mark conversation read", err)
	}
	return n, nil
}
