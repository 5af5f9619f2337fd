////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package backend is the client of the backend archive API. The backend only
// ever receives opaque ciphertext keyed by a conversation hash.
package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/blake2b"

	"gitlab.com/kinship/web3chat/model"
	"gitlab.com/kinship/web3chat/peers"
)

// maxErrorBody is the number of bytes of an error response kept in errors.
const maxErrorBody = 512

// ConversationHash returns the hex BLAKE2b-256 of the conversation ID. It is
// the only conversation identifier the backend sees.
func ConversationHash(conversationID string) string {
	sum := blake2b.Sum256([]byte(conversationID))
	return hex.EncodeToString(sum[:])
}

// ArchiveUpload is an encrypted snapshot pushed to the backend.
type ArchiveUpload struct {
	ConversationHash string    `json:"conversationHash"`
	EncryptedBlob    []byte    `json:"encryptedBlob"`
	FromTimestamp    time.Time `json:"-"`
	ToTimestamp      time.Time `json:"-"`
}

// ArchiveEntry is one stored snapshot.
type ArchiveEntry struct {
	EncryptedBlob []byte `json:"encryptedBlob"`
	FromTimestamp int64  `json:"fromTimestamp"`
	ToTimestamp   int64  `json:"toTimestamp"`
}

// ArchivePage is a page of snapshots, newest first. NextCursor is empty on
// the last page.
type ArchivePage struct {
	Archives   []ArchiveEntry `json:"archives"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// archiveRequest is the body of POST /archive. Timestamps are Unix
// milliseconds.
type archiveRequest struct {
	ConversationHash string `json:"conversationHash"`
	EncryptedBlob    []byte `json:"encryptedBlob"`
	FromTimestamp    int64  `json:"fromTimestamp"`
	ToTimestamp      int64  `json:"toTimestamp"`
}

// Profile is the body of GET /users/{id}/messaging-profile.
type Profile struct {
	UserID         string           `json:"userId"`
	DisplayName    string           `json:"displayName,omitempty"`
	AvatarURL      string           `json:"avatarUrl,omitempty"`
	PublicKey      []byte           `json:"publicKey,omitempty"`
	WalletType     model.WalletType `json:"walletType,omitempty"`
	SequenceNumber uint64           `json:"sequenceNumber"`
}

// Client talks to the backend archive API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client of the backend at baseURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// StoreArchive uploads an encrypted snapshot.
func (c *Client) StoreArchive(ctx context.Context, upload ArchiveUpload) error {
	body, err := json.Marshal(archiveRequest{
		ConversationHash: upload.ConversationHash,
		EncryptedBlob:    upload.EncryptedBlob,
		FromTimestamp:    upload.FromTimestamp.UnixMilli(),
		ToTimestamp:      upload.ToTimestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/archive", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	jww.DEBUG.Printf("[BACKEND] Stored %d byte archive for %s",
		len(upload.EncryptedBlob), upload.ConversationHash)
	return nil
}

// FetchArchives returns a page of snapshots of the conversation, newest
// first. An empty cursor starts at the newest.
func (c *Client) FetchArchives(ctx context.Context, conversationHash string,
	limit int, cursor string) (*ArchivePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/archive/" + url.PathEscape(conversationHash)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page ArchivePage
	if err = json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, "failed to decode archive page")
	}
	return &page, nil
}

// FetchPeer returns the messaging profile of the user, or nil if the backend
// does not know the user.
func (c *Client) FetchPeer(ctx context.Context, userID string) (*peers.Peer, error) {
	resp, err := c.do(ctx, http.MethodGet,
		"/users/"+url.PathEscape(userID)+"/messaging-profile", nil)
	if errors.Is(err, errNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p Profile
	if err = json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, errors.Wrap(err, "failed to decode messaging profile")
	}
	return &peers.Peer{
		UserID:         userID,
		DisplayName:    p.DisplayName,
		AvatarURL:      p.AvatarURL,
		PublicKey:      p.PublicKey,
		WalletType:     p.WalletType,
		SequenceNumber: p.SequenceNumber,
	}, nil
}

var errNotFound = errors.New("not found")

// do sends the request and returns the response if its status is 2xx. The
// caller closes the body.
func (c *Client) do(ctx context.Context, method, path string,
	body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, path)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.WithMessagef(errNotFound, "%s %s", method, path)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, errors.Errorf("%s %s returned %s: %s", method, path,
		resp.Status, truncate.Truncate(
			fmt.Sprintf("%q", msg), 64, "...", truncate.PositionMiddle))
}
