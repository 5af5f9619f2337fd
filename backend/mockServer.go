////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package backend

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type storedArchive struct {
	ArchiveEntry
	seq int
}

// MockServer is an in-memory implementation of the backend archive API.
type MockServer struct {
	archives map[string][]storedArchive
	profiles map[string]Profile
	seq      int
	mux      sync.Mutex
	handler  http.Handler
}

// NewMockServer returns an empty MockServer.
func NewMockServer() *MockServer {
	ms := &MockServer{
		archives: make(map[string][]storedArchive),
		profiles: make(map[string]Profile),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /archive", ms.storeArchive)
	mux.HandleFunc("GET /archive/{hash}", ms.fetchArchives)
	mux.HandleFunc("GET /users/{id}/messaging-profile", ms.fetchProfile)
	mux.HandleFunc("PUT /users/{id}/messaging-profile", ms.putProfile)
	ms.handler = mux
	return ms
}

// ServeHTTP implements http.Handler.
func (ms *MockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jww.TRACE.Printf("[BACKEND] %s %s", r.Method, r.URL)
	ms.handler.ServeHTTP(w, r)
}

// SetProfile stores the messaging profile of a user.
func (ms *MockServer) SetProfile(p Profile) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.profiles[p.UserID] = p
}

// ArchiveCount returns the number of archives stored for the hash.
func (ms *MockServer) ArchiveCount(conversationHash string) int {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	return len(ms.archives[conversationHash])
}

func (ms *MockServer) storeArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ConversationHash == "" || len(req.EncryptedBlob) == 0 {
		http.Error(w, "conversationHash and encryptedBlob are required",
			http.StatusBadRequest)
		return
	}
	if req.ToTimestamp < req.FromTimestamp {
		http.Error(w, "toTimestamp before fromTimestamp", http.StatusBadRequest)
		return
	}

	ms.mux.Lock()
	ms.seq++
	ms.archives[req.ConversationHash] = append(ms.archives[req.ConversationHash],
		storedArchive{ArchiveEntry{
			EncryptedBlob: req.EncryptedBlob,
			FromTimestamp: req.FromTimestamp,
			ToTimestamp:   req.ToTimestamp,
		}, ms.seq})
	ms.mux.Unlock()

	w.WriteHeader(http.StatusOK)
}

// fetchArchives returns archives newest first. The cursor is the offset of
// the next page.
func (ms *MockServer) fetchArchives(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	limit := defaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPageSize)
	}
	offset := 0
	if s := r.URL.Query().Get("cursor"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		offset = n
	}

	ms.mux.Lock()
	stored := append([]storedArchive(nil), ms.archives[hash]...)
	ms.mux.Unlock()

	sort.Slice(stored, func(i, j int) bool {
		if stored[i].ToTimestamp != stored[j].ToTimestamp {
			return stored[i].ToTimestamp > stored[j].ToTimestamp
		}
		return stored[i].seq > stored[j].seq
	})

	page := ArchivePage{Archives: []ArchiveEntry{}}
	if offset < len(stored) {
		end := min(offset+limit, len(stored))
		for _, a := range stored[offset:end] {
			page.Archives = append(page.Archives, a.ArchiveEntry)
		}
		if end < len(stored) {
			page.NextCursor = strconv.Itoa(end)
		}
	}

	writeJSON(w, page)
}

func (ms *MockServer) fetchProfile(w http.ResponseWriter, r *http.Request) {
	ms.mux.Lock()
	p, exists := ms.profiles[r.PathValue("id")]
	ms.mux.Unlock()
	if !exists {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, p)
}

func (ms *MockServer) putProfile(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	p.UserID = r.PathValue("id")
	ms.SetProfile(p)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.ERROR.Printf("[BACKEND] Failed to write response: %+v", err)
	}
}
