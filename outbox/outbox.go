////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package outbox persists outgoing messages before they are published and
// retries them until the transport accepts them.
package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/transport"
)

var (
	// ErrOutboxExhausted is returned when a message failed MaxRetries times.
	// The message is kept with failed status.
	ErrOutboxExhausted = errors.New("outbox retries exhausted")

	// ErrUnknownMessage is returned for IDs not in the outbox.
	ErrUnknownMessage = errors.New("unknown outbox message")
)

// Sender publishes payloads to the overlay.
type Sender interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Broadcaster shares updates with the other tabs.
type Broadcaster interface {
	Send(tag broadcast.Tag, data []byte) error
	RegisterCallback(tag broadcast.Tag, cb broadcast.ReceiverCallback)
}

// UpdateListener is called with every changed outbox message, whether the
// change was made in this tab or another one.
type UpdateListener func(model.OutboxMessage)

// Outbox is the persistent queue of outgoing messages.
type Outbox struct {
	kv     storage.KeyValueStore
	sender Sender
	bcast  Broadcaster
	params Params
	clock  clock.Clock

	// Serialises Flush.
	flushMux sync.Mutex

	listeners      map[uint64]UpdateListener
	nextListenerID uint64
	mux            sync.Mutex
}

// NewOutbox returns an outbox publishing through sender. bcast may be nil
// when there is only one tab.
func NewOutbox(kv storage.KeyValueStore, sender Sender, bcast Broadcaster,
	params Params) *Outbox {
	return newOutbox(kv, sender, bcast, params, clock.New())
}

func newOutbox(kv storage.KeyValueStore, sender Sender, bcast Broadcaster,
	params Params, c clock.Clock) *Outbox {
	o := &Outbox{
		kv:        kv,
		sender:    sender,
		bcast:     bcast,
		params:    params,
		clock:     c,
		listeners: make(map[uint64]UpdateListener),
	}
	if bcast != nil {
		bcast.RegisterCallback(broadcast.OutboxUpdatedTag, o.outboxUpdatedCallback)
	}
	return o
}

// Send stores the message as queued and then publishes it, retrying with
// exponential backoff. The message is persisted before the first network
// attempt.
//
// If the transport is unavailable, the message stays queued for the next
// Flush and no error is returned. After MaxRetries failed attempts it is
// marked failed and ErrOutboxExhausted is returned.
func (o *Outbox) Send(ctx context.Context, msg model.OutboxMessage) (
	*model.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.QueuedAt = o.clock.Now()
	msg.MaxRetries = o.params.MaxRetries
	msg.RetryCount = 0
	msg.LastAttemptAt = nil
	msg.Error = ""
	msg.Attempt = ""
	setStatus(&msg, model.Queued)

	if err := o.save(ctx, msg); err != nil {
		return nil, errors.WithMessagef(err, "failed to queue message %s",
			msg.ID)
	}
	jww.DEBUG.Printf("[OUTBOX] Queued message %s to %s", msg.ID, msg.PeerUserID)

	return o.attempt(ctx, msg, isQueued)
}

// Flush publishes every queued message and prunes sent messages older than
// SentRetention. Messages stuck in sending for longer than SendingTimeout
// are sent again.
func (o *Outbox) Flush(ctx context.Context) error {
	o.flushMux.Lock()
	defer o.flushMux.Unlock()

	msgs, err := o.List(ctx)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	var sent, pruned int
	for _, msg := range msgs {
		switch msg.SendStatus {
		case model.Sent:
			if now.Sub(lastActivity(msg)) > o.params.SentRetention {
				if err = o.kv.Delete(ctx, storage.OutboxNamespace, msg.ID); err != nil {
					return err
				}
				pruned++
			}
			continue
		case model.Sending:
			if now.Sub(lastActivity(msg)) <= o.params.SendingTimeout {
				continue
			}
		case model.Queued:
		default:
			continue
		}

		_, err = o.attempt(ctx, msg, o.flushable)
		if errors.Is(err, ErrOutboxExhausted) {
			jww.WARN.Printf("[OUTBOX] %+v", err)
			continue
		} else if err != nil {
			return err
		}
		sent++
	}

	jww.DEBUG.Printf("[OUTBOX] Flushed %d messages and pruned %d", sent, pruned)
	return nil
}

// MarkDelivered marks the message delivered and removes it from the outbox.
// Unknown IDs are ignored.
func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	var (
		msg   model.OutboxMessage
		found bool
	)
	err := storage.UpdateJSON(ctx, o.kv, storage.OutboxNamespace, id,
		func(cur model.OutboxMessage, exists bool) (*model.OutboxMessage, error) {
			found = exists
			msg = cur
			return nil, nil
		})
	if err != nil || !found {
		return err
	}

	setStatus(&msg, model.Delivered)
	jww.DEBUG.Printf("[OUTBOX] Message %s delivered", id)
	o.changed(msg)
	return nil
}

// Retry resets a failed message and sends it again.
func (o *Outbox) Retry(ctx context.Context, id string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := storage.UpdateJSON(ctx, o.kv, storage.OutboxNamespace, id,
		func(cur model.OutboxMessage, exists bool) (*model.OutboxMessage, error) {
			if !exists {
				return nil, errors.WithMessagef(ErrUnknownMessage, "%s", id)
			} else if cur.SendStatus != model.Failed {
				return nil, errors.Errorf("message %s is %s, not %s",
					id, cur.SendStatus, model.Failed)
			}
			cur.RetryCount = 0
			cur.Error = ""
			cur.Attempt = ""
			setStatus(&cur, model.Queued)
			msg = cur
			return &cur, nil
		})
	if err != nil {
		return nil, err
	}
	o.changed(msg)
	return o.attempt(ctx, msg, isQueued)
}

// Discard removes the message from the outbox.
func (o *Outbox) Discard(ctx context.Context, id string) error {
	return o.kv.Delete(ctx, storage.OutboxNamespace, id)
}

// Get returns the message with the ID.
func (o *Outbox) Get(ctx context.Context, id string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	err := storage.GetJSON(ctx, o.kv, storage.OutboxNamespace, id, &msg)
	if storage.IsNotExist(err) {
		return nil, errors.WithMessagef(ErrUnknownMessage, "%s", id)
	} else if err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns every message in the outbox, oldest first.
func (o *Outbox) List(ctx context.Context) ([]model.OutboxMessage, error) {
	keys, err := o.kv.Keys(ctx, storage.OutboxNamespace)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.OutboxMessage, 0, len(keys))
	for _, key := range keys {
		var msg model.OutboxMessage
		err = storage.GetJSON(ctx, o.kv, storage.OutboxNamespace, key, &msg)
		if storage.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].QueuedAt.Before(msgs[j].QueuedAt)
	})
	return msgs, nil
}

// Failed returns the messages that exhausted their retries.
func (o *Outbox) Failed(ctx context.Context) ([]model.OutboxMessage, error) {
	msgs, err := o.List(ctx)
	if err != nil {
		return nil, err
	}
	failed := msgs[:0]
	for _, msg := range msgs {
		if msg.SendStatus == model.Failed {
			failed = append(failed, msg)
		}
	}
	return failed, nil
}

// OnUpdate registers a listener for outbox changes and returns its ID.
func (o *Outbox) OnUpdate(l UpdateListener) uint64 {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.nextListenerID++
	o.listeners[o.nextListenerID] = l
	return o.nextListenerID
}

// RemoveUpdateListener removes the listener with the ID.
func (o *Outbox) RemoveUpdateListener(id uint64) {
	o.mux.Lock()
	defer o.mux.Unlock()
	delete(o.listeners, id)
}

// attempt publishes the message until it is sent, the transport is
// unavailable or the retries run out.
//
// Every attempt first claims the record, moving it to sending under a new
// attempt token, and only writes it back while it still holds that token.
// Another tab or a Flush that claimed the record in the meantime, or a
// receipt that removed it, ends the attempt without an error.
func (o *Outbox) attempt(ctx context.Context, msg model.OutboxMessage,
	claimable func(model.OutboxMessage) bool) (*model.OutboxMessage, error) {
	b := transport.NewBackOff(
		o.params.InitialBackoff, o.params.MaxBackoff, o.clock)
	for {
		claimed, ok, err := o.claim(ctx, msg.ID, claimable)
		if err != nil {
			return nil, err
		} else if !ok {
			jww.DEBUG.Printf("[OUTBOX] Message %s was claimed elsewhere or "+
				"removed", msg.ID)
			return &msg, nil
		}
		msg = claimed
		o.changed(msg)

		err = o.sender.Publish(ctx, msg.Topic, msg.Message)
		switch {
		case err == nil:
			msg.Error = ""
			setStatus(&msg, model.Sent)
			jww.DEBUG.Printf("[OUTBOX] Sent message %s on %s", msg.ID, msg.Topic)
			return &msg, o.release(ctx, msg)

		case errors.Is(err, transport.ErrTransportUnavailable):
			msg.Error = err.Error()
			setStatus(&msg, model.Queued)
			jww.INFO.Printf("[OUTBOX] Transport unavailable, message %s "+
				"stays queued", msg.ID)
			return &msg, o.release(ctx, msg)
		}

		msg.RetryCount++
		msg.Error = err.Error()
		if msg.RetryCount >= msg.MaxRetries {
			setStatus(&msg, model.Failed)
			if releaseErr := o.release(ctx, msg); releaseErr != nil {
				return nil, releaseErr
			}
			return &msg, errors.WithMessagef(ErrOutboxExhausted,
				"message %s failed %d times, last error: %v",
				msg.ID, msg.RetryCount, err)
		}

		setStatus(&msg, model.Queued)
		if err = o.release(ctx, msg); err != nil {
			return nil, err
		}
		wait := b.NextBackOff()
		jww.WARN.Printf("[OUTBOX] Publish of %s failed (attempt %d of %d), "+
			"retrying in %s: %v", msg.ID, msg.RetryCount, msg.MaxRetries,
			wait, msg.Error)

		// A Flush may take over the queued record during the wait.
		token := msg.Attempt
		claimable = func(cur model.OutboxMessage) bool {
			return cur.SendStatus == model.Queued && cur.Attempt == token
		}

		select {
		case <-o.clock.After(wait):
		case <-ctx.Done():
			return &msg, ctx.Err()
		}
	}
}

func isQueued(msg model.OutboxMessage) bool {
	return msg.SendStatus == model.Queued
}

// flushable reports whether Flush may send the record: it is queued, or its
// sending attempt timed out.
func (o *Outbox) flushable(msg model.OutboxMessage) bool {
	switch msg.SendStatus {
	case model.Queued:
		return true
	case model.Sending:
		return o.clock.Now().Sub(lastActivity(msg)) > o.params.SendingTimeout
	}
	return false
}

// claim atomically moves the record to sending under a new attempt token if
// it still exists and claimable accepts it.
func (o *Outbox) claim(ctx context.Context, id string,
	claimable func(model.OutboxMessage) bool) (model.OutboxMessage, bool, error) {
	var (
		msg     model.OutboxMessage
		claimed bool
	)
	err := storage.UpdateJSON(ctx, o.kv, storage.OutboxNamespace, id,
		func(cur model.OutboxMessage, exists bool) (*model.OutboxMessage, error) {
			if !exists {
				return nil, nil
			} else if !claimable(cur) {
				return &cur, nil
			}
			now := o.clock.Now()
			cur.LastAttemptAt = &now
			cur.Attempt = uuid.NewString()
			setStatus(&cur, model.Sending)
			msg, claimed = cur, true
			return &cur, nil
		})
	return msg, claimed, err
}

// save persists the message and shares the change.
func (o *Outbox) save(ctx context.Context, msg model.OutboxMessage) error {
	if err := storage.SetJSON(ctx, o.kv, storage.OutboxNamespace, msg.ID, msg); err != nil {
		return err
	}
	o.changed(msg)
	return nil
}

// release writes the result of an attempt back if the record still exists
// and is still held by the attempt.
func (o *Outbox) release(ctx context.Context, msg model.OutboxMessage) error {
	var held bool
	err := storage.UpdateJSON(ctx, o.kv, storage.OutboxNamespace, msg.ID,
		func(cur model.OutboxMessage, exists bool) (*model.OutboxMessage, error) {
			if !exists {
				return nil, nil
			} else if held = cur.Attempt == msg.Attempt; !held {
				return &cur, nil
			}
			return &msg, nil
		})
	if err != nil || !held {
		return err
	}
	o.changed(msg)
	return nil
}

func (o *Outbox) changed(msg model.OutboxMessage) {
	if o.bcast != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			jww.ERROR.Printf("[OUTBOX] Failed to marshal message %s: %+v",
				msg.ID, err)
		} else if err = o.bcast.Send(broadcast.OutboxUpdatedTag, data); err != nil {
			jww.WARN.Printf("[OUTBOX] Failed to broadcast update of %s: %+v",
				msg.ID, err)
		}
	}
	o.notify(msg)
}

func (o *Outbox) notify(msg model.OutboxMessage) {
	o.mux.Lock()
	listeners := make([]UpdateListener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mux.Unlock()

	for _, l := range listeners {
		l(msg)
	}
}

func (o *Outbox) outboxUpdatedCallback(sender string, data []byte, _ func([]byte)) {
	var msg model.OutboxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		jww.ERROR.Printf("[OUTBOX] Failed to unmarshal update from tab %s: %+v",
			sender, err)
		return
	}
	o.notify(msg)
}

func setStatus(msg *model.OutboxMessage, status model.SendStatus) {
	msg.SendStatus = status
	msg.Plain.SendStatus = status
}

func lastActivity(msg model.OutboxMessage) time.Time {
	if msg.LastAttemptAt != nil {
		return *msg.LastAttemptAt
	}
	return msg.QueuedAt
}
