////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package conversations

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/broadcast"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, kv storage.KeyValueStore,
	bcast Broadcaster) (*Manager, *clock.Mock) {
	c := clock.NewMock()
	c.Set(testEpoch)
	return newManager("alice", kv, bcast, c), c
}

func newTestBroadcast(t *testing.T, hub *broadcast.Hub, tab string) *broadcast.Manager {
	bm, err := broadcast.NewManagerWithID(hub.NewChannel(), tab,
		broadcast.DefaultParams())
	if err != nil {
		t.Fatalf("Failed to create broadcast manager: %+v", err)
	}
	t.Cleanup(bm.Stop)
	return bm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s.", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// updateRecorder records conversations passed to an UpdateListener.
type updateRecorder struct {
	convs []model.Conversation
	mux   sync.Mutex
}

func (r *updateRecorder) listen(c model.Conversation) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.convs = append(r.convs, c)
}

func (r *updateRecorder) last() (model.Conversation, int) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if len(r.convs) == 0 {
		return model.Conversation{}, 0
	}
	return r.convs[len(r.convs)-1], len(r.convs)
}

func TestID(t *testing.T) {
	id := ID("alice", "bob")
	if id != ID("bob", "alice") {
		t.Errorf("ID depends on argument order.")
	}
	if !regexp.MustCompile("^[0-9a-f]{32}$").MatchString(id) {
		t.Errorf("Unexpected ID format: %q", id)
	}
	if id == ID("alice", "carol") {
		t.Errorf("Different pairs produced the same ID.")
	}
	if ID("ab", "c") == ID("a", "bc") {
		t.Errorf("Boundary between user IDs is ambiguous.")
	}
}

func TestContentTopic(t *testing.T) {
	expected := "/web3chat/1/dm-abc/proto"
	if topic := ContentTopic("abc"); topic != expected {
		t.Errorf("Unexpected topic.\nexpected: %s\nreceived: %s",
			expected, topic)
	}
	expected = "/web3chat/1/inbox-bob/proto"
	if topic := InboxTopic("bob"); topic != expected {
		t.Errorf("Unexpected inbox topic.\nexpected: %s\nreceived: %s",
			expected, topic)
	}
}

// Tests that EnsureConversation creates once and then returns the same
// record.
func TestManager_EnsureConversation(t *testing.T) {
	m, c := newTestManager(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()
	id := ID("alice", "bob")
	var rec updateRecorder
	m.OnUpdate(rec.listen)

	first, err := m.EnsureConversation(ctx, "bob", ContentTopic(id), id)
	if err != nil {
		t.Fatalf("EnsureConversation failed: %+v", err)
	}
	if first.EncryptionState != model.EncryptionPending ||
		!first.CreatedAt.Equal(testEpoch) {
		t.Errorf("Unexpected new conversation: %+v", first)
	}

	c.Add(time.Minute)
	second, err := m.EnsureConversation(ctx, "bob", ContentTopic(id), id)
	if err != nil {
		t.Fatalf("EnsureConversation failed: %+v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) || first.ID != second.ID ||
		!first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("Repeated call returned a different record."+
			"\nexpected: %+v\nreceived: %+v", first, second)
	}

	if _, n := rec.last(); n != 1 {
		t.Errorf("Expected one update notification, received %d.", n)
	}
}

// Tests that incoming messages increment the unread count, local ones do
// not, and MarkAsRead clears it.
func TestManager_OnNewMessage_MarkAsRead(t *testing.T) {
	m, c := newTestManager(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()
	id := ID("alice", "bob")
	if _, err := m.EnsureConversation(ctx, "bob", ContentTopic(id), id); err != nil {
		t.Fatalf("EnsureConversation failed: %+v", err)
	}

	msg := func(msgID, sender string, minute int) model.Message {
		return model.Message{ID: msgID, SenderUserID: sender,
			Timestamp: testEpoch.Add(time.Duration(minute) * time.Minute)}
	}

	for i, in := range []model.Message{
		msg("1", "bob", 1), msg("2", "bob", 2), msg("3", "alice", 3),
		msg("3", "alice", 3), msg("0", "bob", 0),
	} {
		c.Add(time.Second)
		if _, err := m.OnNewMessage(ctx, id, in); err != nil {
			t.Fatalf("OnNewMessage %d failed: %+v", i, err)
		}
	}

	conv, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %+v", err)
	}
	if conv.UnreadCount != 3 {
		t.Errorf("Unexpected unread count.\nexpected: %d\nreceived: %d",
			3, conv.UnreadCount)
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != "3" {
		t.Errorf("Unexpected last message: %+v", conv.LastMessage)
	}

	total, err := m.UnreadTotal(ctx)
	if err != nil || total != 3 {
		t.Errorf("Unexpected unread total %d (%v).", total, err)
	}

	if conv, err = m.MarkAsRead(ctx, id); err != nil {
		t.Fatalf("MarkAsRead failed: %+v", err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("Unread count not cleared: %d", conv.UnreadCount)
	}

	// Redelivered messages, older or not, are not counted again.
	for _, in := range []model.Message{msg("0", "bob", 0), msg("2", "bob", 2),
		msg("0", "bob", 0)} {
		c.Add(time.Second)
		if conv, err = m.OnNewMessage(ctx, id, in); err != nil {
			t.Fatalf("OnNewMessage failed: %+v", err)
		}
	}
	if conv.UnreadCount != 0 {
		t.Errorf("Redelivered messages counted as unread: %d",
			conv.UnreadCount)
	}

	_, err = m.OnNewMessage(ctx, "unknown", msg("9", "bob", 9))
	if !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("Unexpected error for unknown conversation: %+v", err)
	}
}

// Tests that List orders by most recent update and SetEncryptionState bumps
// UpdatedAt.
func TestManager_List(t *testing.T) {
	m, c := newTestManager(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	for _, peer := range []string{"bob", "carol", "dave"} {
		c.Add(time.Minute)
		id := ID("alice", peer)
		if _, err := m.EnsureConversation(ctx, peer, ContentTopic(id), id); err != nil {
			t.Fatalf("EnsureConversation failed: %+v", err)
		}
	}
	c.Add(time.Minute)
	conv, err := m.SetEncryptionState(ctx, ID("alice", "bob"),
		model.EncryptionEstablished)
	if err != nil {
		t.Fatalf("SetEncryptionState failed: %+v", err)
	}
	if conv.EncryptionState != model.EncryptionEstablished {
		t.Errorf("Encryption state not set: %s", conv.EncryptionState)
	}

	convs, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %+v", err)
	}
	expected := []string{"bob", "dave", "carol"}
	for i, conv := range convs {
		if conv.PeerUserID != expected[i] {
			t.Errorf("Unexpected conversation at %d."+
				"\nexpected: %s\nreceived: %s", i, expected[i], conv.PeerUserID)
		}
	}
}

// Tests that updates reach other tabs and that stale updates are ignored.
func TestManager_conversationUpdated_LastWriteWins(t *testing.T) {
	hub := broadcast.NewHub()
	kvA, kvB := storage.NewMemoryStore(), storage.NewMemoryStore()
	a, clockA := newTestManager(t, kvA, newTestBroadcast(t, hub, "a"))
	bBcast := newTestBroadcast(t, hub, "b")
	b, _ := newTestManager(t, kvB, bBcast)
	ctx := context.Background()
	id := ID("alice", "bob")

	var rec updateRecorder
	b.OnUpdate(rec.listen)

	if _, err := a.EnsureConversation(ctx, "bob", ContentTopic(id), id); err != nil {
		t.Fatalf("EnsureConversation failed: %+v", err)
	}
	clockA.Add(time.Minute)
	if _, err := a.OnNewMessage(ctx, id, model.Message{ID: "1",
		SenderUserID: "bob", Timestamp: clockA.Now()}); err != nil {
		t.Fatalf("OnNewMessage failed: %+v", err)
	}

	waitFor(t, "update in tab b", func() bool {
		conv, n := rec.last()
		return n == 2 && conv.UnreadCount == 1
	})
	conv, err := b.Get(ctx, id)
	if err != nil || conv.UnreadCount != 1 {
		t.Fatalf("Tab b did not store the update: %+v (%v)", conv, err)
	}

	// A stale write from a third tab must not revert the newer state.
	stale := *conv
	stale.UnreadCount = 7
	stale.UpdatedAt = testEpoch
	data, _ := json.Marshal(stale)
	cBcast := newTestBroadcast(t, hub, "c")
	if err = cBcast.Send(broadcast.ConversationUpdatedTag, data); err != nil {
		t.Fatalf("Send failed: %+v", err)
	}

	// Flush with a newer update behind the stale one.
	clockA.Add(time.Minute)
	if _, err = a.MarkAsRead(ctx, id); err != nil {
		t.Fatalf("MarkAsRead failed: %+v", err)
	}
	waitFor(t, "read update in tab b", func() bool {
		conv, _ := rec.last()
		return conv.UnreadCount == 0
	})
	rec.mux.Lock()
	for _, c := range rec.convs {
		if c.UnreadCount == 7 {
			t.Errorf("Stale update was applied: %+v", c)
		}
	}
	rec.mux.Unlock()
}

// Tests that only the latest message IDs are remembered and that older
// messages redelivered many times are counted once.
func TestManager_OnNewMessage_Redelivery(t *testing.T) {
	m, c := newTestManager(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()
	id := ID("alice", "bob")
	if _, err := m.EnsureConversation(ctx, "bob", ContentTopic(id), id); err != nil {
		t.Fatalf("EnsureConversation failed: %+v", err)
	}

	newer := model.Message{ID: "new", SenderUserID: "bob",
		Timestamp: testEpoch.Add(time.Hour)}
	older := model.Message{ID: "old", SenderUserID: "bob", Timestamp: testEpoch}
	for _, in := range []model.Message{newer, older, older, newer, older} {
		c.Add(time.Second)
		if _, err := m.OnNewMessage(ctx, id, in); err != nil {
			t.Fatalf("OnNewMessage failed: %+v", err)
		}
	}

	conv, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %+v", err)
	}
	if conv.UnreadCount != 2 || conv.LastMessage.ID != "new" {
		t.Errorf("Unexpected conversation after redelivery."+
			"\nexpected: 2 unread, last new\nreceived: %d unread, last %s",
			conv.UnreadCount, conv.LastMessage.ID)
	}

	for i := 0; i < recentIDsLimit+10; i++ {
		c.Add(time.Second)
		in := model.Message{ID: "m" + strconv.Itoa(i), SenderUserID: "alice",
			Timestamp: testEpoch.Add(2 * time.Hour)}
		if conv, err = m.OnNewMessage(ctx, id, in); err != nil {
			t.Fatalf("OnNewMessage failed: %+v", err)
		}
	}
	if len(conv.RecentIDs) != recentIDsLimit {
		t.Errorf("Expected %d remembered IDs, received %d.",
			recentIDsLimit, len(conv.RecentIDs))
	}
}
