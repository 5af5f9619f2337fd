////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package history reconstructs the message history of a conversation from the
// local cache, overlay replay, archived snapshots and backend archives, and
// keeps snapshots of new messages.
package history

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/archive"
	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
	"gitlab.com/kinship/web3chat/utils"
)

// ErrStopped is returned by LoadHistory when the resolver was stopped while
// the load was in progress. Nothing is persisted in that case.
var ErrStopped = errors.New("history resolver stopped")

// Decoder turns a raw overlay payload into a message. Payloads that cannot be
// decrypted come back as a message with DecryptionFailed status and no error.
type Decoder interface {
	Decode(ctx context.Context, raw []byte) (model.Message, error)
}

// Sealer encrypts and decrypts snapshot bundles of a conversation.
type Sealer interface {
	SealSnapshot(conversationID string, bundle []byte) ([]byte, error)
	OpenSnapshot(conversationID string, blob []byte) ([]byte, error)
}

// Replayer returns the payloads the overlay retained for a topic.
type Replayer interface {
	Replay(ctx context.Context, topic string) ([][]byte, error)
}

// Backend stores and lists encrypted archives by conversation hash.
type Backend interface {
	StoreArchive(ctx context.Context, upload backend.ArchiveUpload) error
	FetchArchives(ctx context.Context, conversationHash string, limit int,
		cursor string) (*backend.ArchivePage, error)
}

// ConversationRef identifies the conversation whose history is loaded.
type ConversationRef struct {
	ID         string
	Topic      string
	PeerUserID string
}

// Resolver loads and snapshots conversation history.
type Resolver struct {
	kv       storage.KeyValueStore
	replayer Replayer
	archive  archive.Client
	backend  Backend
	decoder  Decoder
	sealer   Sealer
	params   Params
	clock    clock.Clock

	tasks *utils.Tasks
	live  utils.Liveness

	// Messages tracked since the last snapshot and the count toward the next
	// one, keyed on conversation ID.
	pending  map[string][]model.Message
	counters map[string]int
	mux      sync.Mutex
}

// NewResolver returns a history resolver. The replayer, archive and backend
// may be nil, in which case that source is skipped.
func NewResolver(kv storage.KeyValueStore, replayer Replayer,
	archiveClient archive.Client, backendClient Backend, decoder Decoder,
	sealer Sealer, params Params) *Resolver {
	return newResolver(kv, replayer, archiveClient, backendClient, decoder,
		sealer, params, clock.New())
}

func newResolver(kv storage.KeyValueStore, replayer Replayer,
	archiveClient archive.Client, backendClient Backend, decoder Decoder,
	sealer Sealer, params Params, c clock.Clock) *Resolver {
	return &Resolver{
		kv:       kv,
		replayer: replayer,
		archive:  archiveClient,
		backend:  backendClient,
		decoder:  decoder,
		sealer:   sealer,
		params:   params,
		clock:    c,
		tasks:    utils.NewTasks("HISTORY"),
		pending:  make(map[string][]model.Message),
		counters: make(map[string]int),
	}
}

// LoadHistory returns the full known history of the conversation, oldest
// first, and writes it back to the local cache.
//
// The local cache, overlay replay and recent snapshots are read concurrently.
// Backend archives are only read when those yield fewer than MinMessages
// messages. A failing source is logged and contributes nothing.
func (r *Resolver) LoadHistory(ctx context.Context, ref ConversationRef) (
	[]model.Message, error) {
	var (
		local, replayed, snapshots []model.Message
		wg                         sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		local = r.loadLocal(ctx, ref.ID)
	}()
	go func() {
		defer wg.Done()
		replayed = r.loadReplay(ctx, ref)
	}()
	go func() {
		defer wg.Done()
		snapshots = r.loadSnapshots(ctx, ref.ID)
	}()
	wg.Wait()

	jww.DEBUG.Printf("[HISTORY] Loaded %s: %d local, %d replayed, "+
		"%d from snapshots", ref.ID, len(local), len(replayed), len(snapshots))

	merged := DedupeAndSort(append(append(local, replayed...), snapshots...))
	if len(merged) < r.params.MinMessages {
		merged = r.loadBackend(ctx, ref.ID, merged)
	}

	if !r.live.Alive() {
		return nil, ErrStopped
	}

	var result []model.Message
	err := storage.UpdateJSON(ctx, r.kv, storage.MessagesNamespace, ref.ID,
		func(cur []model.Message, _ bool) (*[]model.Message, error) {
			result = DedupeAndSort(append(cur, merged...))
			return &result, nil
		})
	if err != nil {
		jww.WARN.Printf("[HISTORY] Failed to cache history of %s: %+v",
			ref.ID, err)
		return merged, nil
	}

	jww.INFO.Printf("[HISTORY] History of %s has %d messages",
		ref.ID, len(result))
	return result, nil
}

// AppendLocal merges messages into the local cache of the conversation.
func (r *Resolver) AppendLocal(ctx context.Context, conversationID string,
	msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return storage.UpdateJSON(ctx, r.kv, storage.MessagesNamespace,
		conversationID,
		func(cur []model.Message, _ bool) (*[]model.Message, error) {
			merged := DedupeAndSort(append(cur, msgs...))
			return &merged, nil
		})
}

// Cached returns the locally cached history of the conversation.
func (r *Resolver) Cached(ctx context.Context, conversationID string) (
	[]model.Message, error) {
	var msgs []model.Message
	err := storage.GetJSON(ctx, r.kv, storage.MessagesNamespace,
		conversationID, &msgs)
	if storage.IsNotExist(err) {
		return nil, nil
	}
	return msgs, err
}

// Wait blocks until all scheduled snapshots have finished.
func (r *Resolver) Wait() {
	r.tasks.Wait()
}

// Stop discards the results of loads in progress and waits for scheduled
// snapshots.
func (r *Resolver) Stop() {
	r.live.Kill()
	r.tasks.Wait()
}

func (r *Resolver) loadLocal(ctx context.Context, conversationID string) []model.Message {
	msgs, err := r.Cached(ctx, conversationID)
	if err != nil {
		jww.WARN.Printf("[HISTORY] Failed to read cached history of %s: %+v",
			conversationID, err)
	}
	return msgs
}

func (r *Resolver) loadReplay(ctx context.Context, ref ConversationRef) []model.Message {
	if r.replayer == nil || ref.Topic == "" {
		return nil
	}
	payloads, err := r.replayer.Replay(ctx, ref.Topic)
	if err != nil {
		jww.WARN.Printf("[HISTORY] Overlay replay of %s failed: %+v",
			ref.Topic, err)
		return nil
	}

	cutoff := r.clock.Now().Add(-r.params.ReplayWindow)
	msgs := make([]model.Message, 0, len(payloads))
	for _, raw := range payloads {
		msg, err := r.decoder.Decode(ctx, raw)
		if err != nil {
			jww.DEBUG.Printf("[HISTORY] Skipping undecodable payload on %s: %v",
				ref.Topic, err)
			continue
		}
		if msg.ContentType == model.ReceiptContent ||
			msg.Timestamp.Before(cutoff) {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (r *Resolver) loadSnapshots(ctx context.Context, conversationID string) []model.Message {
	if r.archive == nil {
		return nil
	}
	var index model.SnapshotIndex
	err := storage.GetJSON(ctx, r.kv, storage.SnapshotsNamespace,
		conversationID, &index)
	if err != nil {
		if !storage.IsNotExist(err) {
			jww.WARN.Printf("[HISTORY] Failed to read snapshot index of %s: %+v",
				conversationID, err)
		}
		return nil
	}

	var msgs []model.Message
	for _, id := range index.Recent(r.params.MaxSnapshots) {
		blob, err := r.archive.Get(ctx, id)
		if err != nil {
			jww.WARN.Printf("[HISTORY] Failed to fetch snapshot %s: %+v",
				id, errors.WithMessage(archive.ErrArchiveFetchFailed, err.Error()))
			continue
		}
		bundle, err := r.openBundle(conversationID, blob)
		if err != nil {
			jww.WARN.Printf("[HISTORY] Failed to open snapshot %s: %+v", id, err)
			continue
		}
		msgs = append(msgs, bundle.Messages...)
	}
	return msgs
}

// loadBackend reads backend archive pages, newest first, until the history
// reaches MinMessages or the pages run out.
func (r *Resolver) loadBackend(ctx context.Context, conversationID string,
	merged []model.Message) []model.Message {
	if r.backend == nil {
		return merged
	}
	hash := backend.ConversationHash(conversationID)
	cursor := ""
	for page := 0; page < r.params.BackendMaxPages; page++ {
		p, err := r.backend.FetchArchives(ctx, hash, r.params.BackendPageSize,
			cursor)
		if err != nil {
			jww.WARN.Printf("[HISTORY] Backend archive fetch for %s failed: %+v",
				conversationID,
				errors.WithMessage(archive.ErrArchiveFetchFailed, err.Error()))
			break
		}

		var fetched []model.Message
		for _, entry := range p.Archives {
			bundle, err := r.openBundle(conversationID, entry.EncryptedBlob)
			if err != nil {
				jww.WARN.Printf("[HISTORY] Failed to open backend archive of "+
					"%s: %+v", conversationID, err)
				continue
			}
			fetched = append(fetched, bundle.Messages...)
		}
		merged = DedupeAndSort(append(merged, fetched...))
		jww.DEBUG.Printf("[HISTORY] Backend page %d of %s: %d archives, "+
			"%d messages total", page, conversationID, len(p.Archives),
			len(merged))

		if len(merged) >= r.params.MinMessages || p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	return merged
}
