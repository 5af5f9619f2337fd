////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/transport"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

func testParams() Params {
	p := DefaultParams()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 4 * time.Millisecond
	return p
}

// testSender fails the next failures publishes with err.
type testSender struct {
	kv        storage.KeyValueStore
	failures  int
	err       error
	published [][]byte

	// Status of the message in the store during each publish.
	storedStatus []model.SendStatus
	mux          sync.Mutex
}

func (s *testSender) Publish(ctx context.Context, _ string, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	keys, _ := s.kv.Keys(ctx, storage.OutboxNamespace)
	for _, key := range keys {
		var msg model.OutboxMessage
		if storage.GetJSON(ctx, s.kv, storage.OutboxNamespace, key, &msg) == nil &&
			string(msg.Message) == string(data) {
			s.storedStatus = append(s.storedStatus, msg.SendStatus)
		}
	}

	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	s.published = append(s.published, data)
	return nil
}

func (s *testSender) set(failures int, err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.failures, s.err = failures, err
}

func (s *testSender) count() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.published)
}

type statusRecorder struct {
	statuses []model.SendStatus
	mux      sync.Mutex
}

func (r *statusRecorder) listen(msg model.OutboxMessage) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.statuses = append(r.statuses, msg.SendStatus)
}

func (r *statusRecorder) get() []model.SendStatus {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]model.SendStatus(nil), r.statuses...)
}

func newTestOutbox(t *testing.T) (*Outbox, *testSender, storage.KeyValueStore) {
	kv := storage.NewMemoryStore()
	sender := &testSender{kv: kv}
	return newOutbox(kv, sender, nil, testParams(), clock.New()), sender, kv
}

func newMessage(id string) model.OutboxMessage {
	return model.OutboxMessage{
		ID:             id,
		ConversationID: "conversation",
		PeerUserID:     "bob",
		Topic:          "/web3chat/1/dm-conversation/proto",
		Message:        []byte("ciphertext " + id),
		Plain:          model.Message{ID: id, Content: "hi"},
	}
}

// Tests that a message is stored as queued before it is published and ends
// up sent.
func TestOutbox_Send(t *testing.T) {
	o, sender, _ := newTestOutbox(t)
	var rec statusRecorder
	o.OnUpdate(rec.listen)

	msg, err := o.Send(context.Background(), newMessage("1"))
	require.NoError(t, err)
	require.Equal(t, model.Sent, msg.SendStatus)
	require.Equal(t, model.Sent, msg.Plain.SendStatus)
	require.Equal(t, 3, msg.MaxRetries)
	require.NotNil(t, msg.LastAttemptAt)

	require.Equal(t, []model.SendStatus{model.Sending}, sender.storedStatus)
	require.Equal(t,
		[]model.SendStatus{model.Queued, model.Sending, model.Sent}, rec.get())

	stored, err := o.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, model.Sent, stored.SendStatus)
}

func TestOutbox_Send_GeneratesID(t *testing.T) {
	o, _, _ := newTestOutbox(t)
	msg, err := o.Send(context.Background(), newMessage(""))
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
}

// Tests that transient failures are retried with backoff.
func TestOutbox_Send_Retry(t *testing.T) {
	o, sender, _ := newTestOutbox(t)
	sender.set(2, errors.New("relay timeout"))

	msg, err := o.Send(context.Background(), newMessage("1"))
	require.NoError(t, err)
	require.Equal(t, model.Sent, msg.SendStatus)
	require.Equal(t, 2, msg.RetryCount)
	require.Equal(t, 1, sender.count())
}

// Tests that a message failing MaxRetries times is kept as failed and can be
// retried by the user.
func TestOutbox_Send_Exhausted(t *testing.T) {
	o, sender, _ := newTestOutbox(t)
	ctx := context.Background()
	sender.set(-1, errors.New("rejected"))

	msg, err := o.Send(ctx, newMessage("1"))
	require.ErrorIs(t, err, ErrOutboxExhausted)
	require.Equal(t, model.Failed, msg.SendStatus)
	require.Equal(t, 3, msg.RetryCount)
	require.Contains(t, msg.Error, "rejected")

	failed, err := o.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Flush does not resend failed messages.
	sender.set(0, nil)
	require.NoError(t, o.Flush(ctx))
	require.Zero(t, sender.count())

	msg, err = o.Retry(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, model.Sent, msg.SendStatus)
	require.Zero(t, msg.RetryCount)

	_, err = o.Retry(ctx, "1")
	require.Error(t, err)
	_, err = o.Retry(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownMessage)
}

// Tests that an unavailable transport leaves the message queued without
// consuming a retry, and that Flush sends it later.
func TestOutbox_Send_TransportUnavailable(t *testing.T) {
	o, sender, _ := newTestOutbox(t)
	ctx := context.Background()
	sender.set(-1, errors.WithMessage(transport.ErrTransportUnavailable, "no leader"))

	msg, err := o.Send(ctx, newMessage("1"))
	require.NoError(t, err)
	require.Equal(t, model.Queued, msg.SendStatus)
	require.Zero(t, msg.RetryCount)

	require.NoError(t, o.Flush(ctx))
	msg, err = o.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, model.Queued, msg.SendStatus)

	sender.set(0, nil)
	require.NoError(t, o.Flush(ctx))
	msg, err = o.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, model.Sent, msg.SendStatus)
	require.Equal(t, 1, sender.count())
}

// Tests that a delivered message is removed and listeners see the delivery.
func TestOutbox_MarkDelivered(t *testing.T) {
	o, _, _ := newTestOutbox(t)
	ctx := context.Background()
	var rec statusRecorder

	_, err := o.Send(ctx, newMessage("1"))
	require.NoError(t, err)
	o.OnUpdate(rec.listen)

	require.NoError(t, o.MarkDelivered(ctx, "1"))
	require.Equal(t, []model.SendStatus{model.Delivered}, rec.get())
	_, err = o.Get(ctx, "1")
	require.ErrorIs(t, err, ErrUnknownMessage)

	require.NoError(t, o.MarkDelivered(ctx, "1"))
	require.Len(t, rec.get(), 1)
}

// Tests that Flush prunes old sent messages and resends stuck ones.
func TestOutbox_Flush_Prune(t *testing.T) {
	kv := storage.NewMemoryStore()
	sender := &testSender{kv: kv}
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	o := newOutbox(kv, sender, nil, testParams(), mockClock)
	ctx := context.Background()

	_, err := o.Send(ctx, newMessage("old"))
	require.NoError(t, err)

	mockClock.Add(23 * time.Hour)
	_, err = o.Send(ctx, newMessage("new"))
	require.NoError(t, err)

	stuck := newMessage("stuck")
	stuck.SendStatus = model.Sending
	stuck.QueuedAt = mockClock.Now()
	stuck.LastAttemptAt = &stuck.QueuedAt
	require.NoError(t, storage.SetJSON(ctx, kv, storage.OutboxNamespace,
		stuck.ID, stuck))

	mockClock.Add(2 * time.Hour)
	require.NoError(t, o.Flush(ctx))

	msgs, err := o.List(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "new", msgs[0].ID)
	require.Equal(t, "stuck", msgs[1].ID)
	require.Equal(t, model.Sent, msgs[1].SendStatus)
	require.Equal(t, 3, sender.count())
}

// Tests that a Flush during the backoff of a Send publishes the message
// once, and that the resumed Send neither publishes it again nor recreates it
// after its receipt removed it.
func TestOutbox_Flush_DuringBackoff(t *testing.T) {
	kv := storage.NewMemoryStore()
	sender := &testSender{kv: kv}
	mockClock := clock.NewMock()
	o := newOutbox(kv, sender, nil, testParams(), mockClock)
	ctx := context.Background()
	sender.set(1, errors.New("relay timeout"))

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(ctx, newMessage("1"))
		done <- err
	}()

	require.Eventually(t, func() bool {
		msg, err := o.Get(ctx, "1")
		return err == nil && msg.SendStatus == model.Queued &&
			msg.RetryCount == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, o.Flush(ctx))
	require.Equal(t, 1, sender.count())
	require.NoError(t, o.MarkDelivered(ctx, "1"))

	var sendErr error
	require.Eventually(t, func() bool {
		mockClock.Add(testParams().MaxBackoff)
		select {
		case sendErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, sendErr)

	require.Equal(t, 1, sender.count())
	_, err := o.Get(ctx, "1")
	require.ErrorIs(t, err, ErrUnknownMessage)
}

// Tests that two tabs flushing the same store publish a queued message once.
func TestOutbox_Flush_Concurrent(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()
	queued := newMessage("1")
	queued.SendStatus = model.Queued
	queued.MaxRetries = 3
	require.NoError(t, storage.SetJSON(ctx, kv, storage.OutboxNamespace,
		queued.ID, queued))

	senders := []*testSender{{kv: kv}, {kv: kv}}
	var wg sync.WaitGroup
	for _, sender := range senders {
		o := newOutbox(kv, sender, nil, testParams(), clock.New())
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, o.Flush(ctx))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, senders[0].count()+senders[1].count())
	msg, err := newOutbox(kv, senders[0], nil, testParams(), clock.New()).
		Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, model.Sent, msg.SendStatus)
}

func TestOutbox_Discard(t *testing.T) {
	o, sender, _ := newTestOutbox(t)
	ctx := context.Background()
	sender.set(-1, errors.New("rejected"))
	_, err := o.Send(ctx, newMessage("1"))
	require.ErrorIs(t, err, ErrOutboxExhausted)

	require.NoError(t, o.Discard(ctx, "1"))
	msgs, err := o.List(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// Tests that other tabs are told about outbox changes.
func TestOutbox_Broadcast(t *testing.T) {
	hub := broadcast.NewHub()
	newBcast := func(tab string) *broadcast.Manager {
		bm, err := broadcast.NewManagerWithID(hub.NewChannel(), tab,
			broadcast.DefaultParams())
		require.NoError(t, err)
		t.Cleanup(bm.Stop)
		return bm
	}
	kv := storage.NewMemoryStore()
	a := newOutbox(kv, &testSender{kv: kv}, newBcast("a"), testParams(),
		clock.New())
	b := newOutbox(kv, &testSender{kv: kv}, newBcast("b"), testParams(),
		clock.New())

	var rec statusRecorder
	b.OnUpdate(rec.listen)

	_, err := a.Send(context.Background(), newMessage("1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := rec.get()
		return len(s) == 3 && s[2] == model.Sent
	}, 2*time.Second, 5*time.Millisecond)
}
