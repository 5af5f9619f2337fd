////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/kinship/web3chat/archive"
	"gitlab.com/kinship/web3chat/backend"
	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/storage"
)

const bundleVersion = 1

// bundle is the plaintext content of a snapshot.
type bundle struct {
	Version        int             `json:"version"`
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
}

// CreateSnapshot seals the messages and stores them in the archive and,
// independently, on the backend. It returns the archive ID, or an empty
// string if the archive upload failed. Storage failures are logged and not
// returned.
func (r *Resolver) CreateSnapshot(ctx context.Context, conversationID string,
	messages []model.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	sorted := DedupeAndSort(messages)

	data, err := json.Marshal(bundle{
		Version:        bundleVersion,
		ConversationID: conversationID,
		Messages:       sorted,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal snapshot")
	}
	sealed, err := r.sealer.SealSnapshot(conversationID, data)
	if err != nil {
		return "", errors.Wrapf(err, "failed to seal snapshot of %s",
			conversationID)
	}

	from, to := sorted[0].Timestamp, sorted[len(sorted)-1].Timestamp
	id := r.uploadSnapshot(ctx, conversationID, sealed, to)

	if r.backend != nil {
		err = r.backend.StoreArchive(ctx, backend.ArchiveUpload{
			ConversationHash: backend.ConversationHash(conversationID),
			EncryptedBlob:    sealed,
			FromTimestamp:    from,
			ToTimestamp:      to,
		})
		if err != nil {
			jww.WARN.Printf("[HISTORY] Failed to store backend archive of "+
				"%s: %+v", conversationID, err)
		}
	}

	jww.INFO.Printf("[HISTORY] Snapshot of %d messages of %s stored as %q",
		len(sorted), conversationID, id)
	return id, nil
}

// uploadSnapshot puts the sealed snapshot in the archive and appends its ID
// to the snapshot index.
func (r *Resolver) uploadSnapshot(ctx context.Context, conversationID string,
	sealed []byte, last time.Time) string {
	if r.archive == nil {
		return ""
	}
	id, err := r.archive.Put(ctx, sealed)
	if err != nil {
		if !errors.Is(err, archive.ErrArchiveUploadFailed) {
			err = errors.WithMessage(archive.ErrArchiveUploadFailed, err.Error())
		}
		jww.WARN.Printf("[HISTORY] Failed to upload snapshot of %s: %+v",
			conversationID, err)
		return ""
	}

	err = storage.UpdateJSON(ctx, r.kv, storage.SnapshotsNamespace,
		conversationID,
		func(index model.SnapshotIndex, _ bool) (*model.SnapshotIndex, error) {
			index.CIDs = append(index.CIDs, id)
			if last.After(index.LastTimestamp) {
				index.LastTimestamp = last
			}
			return &index, nil
		})
	if err != nil {
		jww.WARN.Printf("[HISTORY] Failed to index snapshot %s of %s: %+v",
			id, conversationID, err)
	}
	return id
}

// TrackMessage adds a new message to the pending snapshot batch of the
// conversation. Every SnapshotEvery messages, one snapshot of the batch is
// scheduled in the background and the count starts over.
func (r *Resolver) TrackMessage(conversationID string, msg model.Message) {
	r.mux.Lock()
	r.pending[conversationID] = append(r.pending[conversationID], msg)
	r.counters[conversationID]++
	if r.counters[conversationID] < r.params.SnapshotEvery {
		r.mux.Unlock()
		return
	}
	batch := r.takeBatchUnsafe(conversationID)
	r.mux.Unlock()

	r.scheduleSnapshot(conversationID, batch)
}

// PendingCount returns the number of messages waiting for a snapshot.
func (r *Resolver) PendingCount(conversationID string) int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.pending[conversationID])
}

// Counter returns the number of messages tracked since the last scheduled
// snapshot.
func (r *Resolver) Counter(conversationID string) int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.counters[conversationID]
}

// SetVisibility schedules a snapshot of every conversation with pending
// messages when the page becomes hidden.
func (r *Resolver) SetVisibility(hidden bool) {
	if !hidden {
		return
	}

	r.mux.Lock()
	batches := make(map[string][]model.Message, len(r.pending))
	for id, msgs := range r.pending {
		if len(msgs) > 0 {
			batches[id] = r.takeBatchUnsafe(id)
		}
	}
	r.mux.Unlock()

	jww.DEBUG.Printf("[HISTORY] Page hidden, snapshotting %d conversations",
		len(batches))
	for id, batch := range batches {
		r.scheduleSnapshot(id, batch)
	}
}

func (r *Resolver) takeBatchUnsafe(conversationID string) []model.Message {
	batch := r.pending[conversationID]
	delete(r.pending, conversationID)
	r.counters[conversationID] = 0
	return batch
}

func (r *Resolver) scheduleSnapshot(conversationID string, batch []model.Message) {
	if len(batch) == 0 {
		return
	}
	r.tasks.Go("snapshot "+conversationID, func(ctx context.Context) error {
		_, err := r.CreateSnapshot(ctx, conversationID, batch)
		return err
	})
}

func (r *Resolver) openBundle(conversationID string, blob []byte) (*bundle, error) {
	data, err := r.sealer.OpenSnapshot(conversationID, blob)
	if err != nil {
		return nil, err
	}
	var b bundle
	if err = json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal snapshot")
	}
	if b.ConversationID != conversationID {
		return nil, errors.Errorf("snapshot belongs to conversation %q",
			b.ConversationID)
	}
	return &b, nil
}
