////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/kinship/web3chat/archive"
	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/envelope"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

const testConversation = "conversation"

var testRef = ConversationRef{
	ID:         testConversation,
	Topic:      "/web3chat/1/dm-conversation/proto",
	PeerUserID: "bob",
}

// testCodec decodes JSON messages and seals snapshots with a fixed key.
type testCodec struct {
	key []byte
}

func (c *testCodec) Decode(_ context.Context, raw []byte) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (c *testCodec) SealSnapshot(conversationID string, b []byte) ([]byte, error) {
	return envelope.SealBlob(c.key, conversationID, b)
}

func (c *testCodec) OpenSnapshot(conversationID string, blob []byte) ([]byte, error) {
	return envelope.OpenBlob(c.key, conversationID, blob)
}

// testReplayer serves fixed payloads per topic.
type testReplayer struct {
	payloads map[string][][]byte
	err      error
}

func (r *testReplayer) Replay(_ context.Context, topic string) ([][]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.payloads[topic], nil
}

func (r *testReplayer) add(t *testing.T, topic string, msgs ...model.Message) {
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		r.payloads[topic] = append(r.payloads[topic], data)
	}
}

// countingBackend counts archive page requests.
type countingBackend struct {
	Backend
	fetches int
	mux     sync.Mutex
}

func (b *countingBackend) FetchArchives(ctx context.Context, hash string,
	limit int, cursor string) (*backend.ArchivePage, error) {
	b.mux.Lock()
	b.fetches++
	b.mux.Unlock()
	return b.Backend.FetchArchives(ctx, hash, limit, cursor)
}

func (b *countingBackend) count() int {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.fetches
}

type testEnv struct {
	r        *Resolver
	kv       *storage.MemoryStore
	replayer *testReplayer
	archive  *archive.MemoryArchive
	backend  *countingBackend
	server   *backend.MockServer
	codec    *testCodec
	clock    *clock.Mock
}

func newTestEnv(t *testing.T, params Params) *testEnv {
	server := backend.NewMockServer()
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	mockClock := clock.NewMock()
	mockClock.Set(testEpoch.Add(24 * time.Hour))

	env := &testEnv{
		kv:       storage.NewMemoryStore(),
		replayer: &testReplayer{payloads: make(map[string][][]byte)},
		archive:  archive.NewMemoryArchive(),
		backend: &countingBackend{
			Backend: backend.NewClient(srv.URL, srv.Client())},
		server: server,
		codec:  &testCodec{key: bytes.Repeat([]byte{7}, 32)},
		clock:  mockClock,
	}
	env.r = newResolver(env.kv, env.replayer, env.archive, env.backend,
		env.codec, env.codec, params, mockClock)
	t.Cleanup(env.r.Wait)
	return env
}

func messageRange(prefix string, from, to int) []model.Message {
	var msgs []model.Message
	for i := from; i < to; i++ {
		msgs = append(msgs, msgAt(prefix+string(rune('a'+i)), i))
	}
	return msgs
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ID
	}
	return out
}

// Tests that local, replay and snapshot sources are merged and the result is
// written back to the local cache.
func TestResolver_LoadHistory_Merge(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	ctx := context.Background()

	all := messageRange("m", 0, 12)
	require.NoError(t, env.r.AppendLocal(ctx, testConversation, all[0:5]...))
	env.replayer.add(t, testRef.Topic, all[4:9]...)
	id, err := env.r.CreateSnapshot(ctx, testConversation, all[8:12])
	require.NoError(t, err)
	require.NotEmpty(t, id)

	history, err := env.r.LoadHistory(ctx, testRef)
	require.NoError(t, err)
	require.Equal(t, ids(all), ids(history))
	require.Zero(t, env.backend.count(), "backend read despite enough history")

	cached, err := env.r.Cached(ctx, testConversation)
	require.NoError(t, err)
	require.Equal(t, history, cached)
}

// Tests that an outgoing message snapshotted while queued does not downgrade
// the delivered copy in the local cache.
func TestResolver_LoadHistory_KeepsDeliveredStatus(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	ctx := context.Background()

	queued := msgAt("sent-1", 1)
	queued.SendStatus = model.Queued
	_, err := env.r.CreateSnapshot(ctx, testConversation,
		[]model.Message{queued})
	require.NoError(t, err)

	delivered := queued
	delivered.SendStatus = model.Delivered
	require.NoError(t, env.r.AppendLocal(ctx, testConversation, delivered))

	for i := 0; i < 2; i++ {
		history, err := env.r.LoadHistory(ctx, testRef)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, model.Delivered, history[0].SendStatus)
	}

	cached, err := env.r.Cached(ctx, testConversation)
	require.NoError(t, err)
	require.Equal(t, model.Delivered, cached[0].SendStatus)
}

// Tests that a payload published twice during a leader handover shows up as a
// single message.
func TestResolver_LoadHistory_DuplicatePublish(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	msg := msgAt("dup", 1)
	env.replayer.add(t, testRef.Topic, msg, msg)

	history, err := env.r.LoadHistory(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, []string{"dup"}, ids(history))
}

// Tests that replayed messages outside the replay window, receipts and
// undecodable payloads are dropped.
func TestResolver_LoadHistory_ReplayFilter(t *testing.T) {
	params := DefaultParams()
	params.ReplayWindow = time.Hour
	env := newTestEnv(t, params)

	old := msgAt("old", 0)
	recent := msgAt("recent", 0)
	recent.Timestamp = env.clock.Now().Add(-time.Minute)
	receipt := msgAt("receipt", 0)
	receipt.Timestamp = recent.Timestamp
	receipt.ContentType = model.ReceiptContent
	env.replayer.add(t, testRef.Topic, old, recent, receipt)
	env.replayer.payloads[testRef.Topic] = append(
		env.replayer.payloads[testRef.Topic], []byte("garbage"))

	history, err := env.r.LoadHistory(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, []string{"recent"}, ids(history))
}

// Tests that a fresh device with empty local state, no overlay retention and
// no snapshot index still recovers history from backend archives alone.
func TestResolver_LoadHistory_BackendOnly(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	ctx := context.Background()

	all := messageRange("m", 0, 8)
	_, err := env.r.CreateSnapshot(ctx, testConversation, all[:4])
	require.NoError(t, err)
	_, err = env.r.CreateSnapshot(ctx, testConversation, all[4:])
	require.NoError(t, err)

	fresh := newResolver(storage.NewMemoryStore(),
		&testReplayer{payloads: make(map[string][][]byte)},
		archive.NewMemoryArchive(), env.backend, env.codec, env.codec,
		DefaultParams(), env.clock)

	history, err := fresh.LoadHistory(ctx, testRef)
	require.NoError(t, err)
	require.Equal(t, ids(all), ids(history))
}

// Tests that backend pages are read newest first only until the minimum is
// met.
func TestResolver_LoadHistory_BackendPaging(t *testing.T) {
	params := DefaultParams()
	params.BackendPageSize = 1
	params.MinMessages = 6
	env := newTestEnv(t, params)
	ctx := context.Background()

	all := messageRange("m", 0, 12)
	for i := 0; i < 12; i += 3 {
		_, err := env.r.CreateSnapshot(ctx, testConversation, all[i:i+3])
		require.NoError(t, err)
	}
	require.Equal(t, 4,
		env.server.ArchiveCount(backend.ConversationHash(testConversation)))

	fresh := newResolver(storage.NewMemoryStore(), nil, nil, env.backend,
		env.codec, env.codec, params, env.clock)
	history, err := fresh.LoadHistory(ctx, testRef)
	require.NoError(t, err)
	require.Equal(t, ids(all[6:]), ids(history))
	require.Equal(t, 2, env.backend.count())
}

// Tests that failing sources are skipped rather than failing the load.
func TestResolver_LoadHistory_SourceFailures(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	ctx := context.Background()

	local := messageRange("m", 0, 3)
	require.NoError(t, env.r.AppendLocal(ctx, testConversation, local...))
	_, err := env.r.CreateSnapshot(ctx, testConversation, messageRange("s", 3, 5))
	require.NoError(t, err)

	env.archive.SetFailures(false, true)
	env.replayer.err = errors.New("overlay offline")

	history, err := env.r.LoadHistory(ctx, testRef)
	require.NoError(t, err)

	// The backend still holds the snapshot.
	require.Len(t, history, 5)
}

// Tests that a load finishing after Stop returns ErrStopped and writes
// nothing.
func TestResolver_LoadHistory_Stopped(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	env.replayer.add(t, testRef.Topic, msgAt("a", 1))
	env.r.Stop()

	_, err := env.r.LoadHistory(context.Background(), testRef)
	require.ErrorIs(t, err, ErrStopped)

	cached, err := env.r.Cached(context.Background(), testConversation)
	require.NoError(t, err)
	require.Empty(t, cached)
}

// Tests that a snapshot is indexed, and that the backend receives the same
// sealed bytes even when the archive upload fails.
func TestResolver_CreateSnapshot(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	ctx := context.Background()
	hash := backend.ConversationHash(testConversation)

	msgs := messageRange("m", 0, 3)
	id, err := env.r.CreateSnapshot(ctx, testConversation, msgs)
	require.NoError(t, err)

	var index model.SnapshotIndex
	require.NoError(t, storage.GetJSON(ctx, env.kv, storage.SnapshotsNamespace,
		testConversation, &index))
	require.Equal(t, []string{id}, index.CIDs)
	require.True(t, index.LastTimestamp.Equal(msgs[2].Timestamp))

	page, err := env.backend.FetchArchives(ctx, hash, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Archives, 1)
	require.NoError(t, archive.Verify(id, page.Archives[0].EncryptedBlob))

	env.archive.SetFailures(true, false)
	id, err = env.r.CreateSnapshot(ctx, testConversation, messageRange("n", 3, 5))
	require.NoError(t, err)
	require.Empty(t, id)
	require.Equal(t, 2, env.server.ArchiveCount(hash))

	id, err = env.r.CreateSnapshot(ctx, testConversation, nil)
	require.NoError(t, err)
	require.Empty(t, id)
}

// Tests that every SnapshotEvery tracked messages schedule exactly one
// snapshot and reset the counter.
func TestResolver_TrackMessage(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	msgs := messageRange("m", 0, 25)

	for i, msg := range msgs[:9] {
		env.r.TrackMessage(testConversation, msg)
		require.Equal(t, i+1, env.r.Counter(testConversation))
	}
	env.r.Wait()
	require.Zero(t, env.archive.Puts())

	env.r.TrackMessage(testConversation, msgs[9])
	require.Zero(t, env.r.Counter(testConversation))
	require.Zero(t, env.r.PendingCount(testConversation))
	env.r.Wait()
	require.Equal(t, 1, env.archive.Puts())

	for _, msg := range msgs[10:] {
		env.r.TrackMessage(testConversation, msg)
	}
	env.r.Wait()
	require.Equal(t, 2, env.archive.Puts())
	require.Equal(t, 5, env.r.Counter(testConversation))
	require.Equal(t, 5, env.r.PendingCount(testConversation))
}

// Tests that hiding the page snapshots every conversation with pending
// messages.
func TestResolver_SetVisibility(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	env.r.TrackMessage("one", msgAt("a", 1))
	env.r.TrackMessage("two", msgAt("b", 2))
	env.r.TrackMessage("two", msgAt("c", 3))

	env.r.SetVisibility(false)
	env.r.Wait()
	require.Zero(t, env.archive.Puts())

	env.r.SetVisibility(true)
	env.r.Wait()
	require.Equal(t, 2, env.archive.Puts())
	require.Zero(t, env.r.PendingCount("one"))
	require.Zero(t, env.r.PendingCount("two"))

	env.r.SetVisibility(true)
	env.r.Wait()
	require.Equal(t, 2, env.archive.Puts())
}

// Tests that a snapshot of another conversation is rejected.
func TestResolver_openBundle_WrongConversation(t *testing.T) {
	env := newTestEnv(t, DefaultParams())
	data, err := json.Marshal(bundle{Version: bundleVersion,
		ConversationID: "other", Messages: messageRange("m", 0, 1)})
	require.NoError(t, err)
	blob, err := env.codec.SealSnapshot(testConversation, data)
	require.NoError(t, err)

	_, err = env.r.openBundle(testConversation, blob)
	require.Error(t, err)

	_, err = env.r.openBundle("other", blob)
	require.ErrorIs(t, err, envelope.ErrDecryptionFailed)
}
