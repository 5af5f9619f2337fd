////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

// Tests that IDs are stable CIDv1 strings and that Verify rejects other
// content.
func TestComputeID_Verify(t *testing.T) {
	a, err := ComputeID([]byte("snapshot"))
	require.NoError(t, err)
	b, err := ComputeID([]byte("snapshot"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "b"), "expected base32 CIDv1, got %s", a)

	require.NoError(t, Verify(a, []byte("snapshot")))
	require.Error(t, Verify(a, []byte("tampered")))
	require.Error(t, Verify("not-a-cid", []byte("snapshot")))
}

func TestMemoryArchive(t *testing.T) {
	ctx := context.Background()
	ma := NewMemoryArchive()

	id, err := ma.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	data, err := ma.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), data)

	ma.Corrupt(id, []byte("other"))
	_, err = ma.Get(ctx, id)
	require.True(t, errors.Is(err, ErrArchiveFetchFailed))

	ma.SetFailures(true, false)
	_, err = ma.Put(ctx, []byte("x"))
	require.True(t, errors.Is(err, ErrArchiveUploadFailed))
}

// fakeS3 is a path-style S3 endpoint holding objects in memory.
type fakeS3 struct {
	objects map[string][]byte
	mux     sync.Mutex
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.Lock()
	defer f.mux.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, exists := f.objects[r.URL.Path]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
				`<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Tests that S3Archive stores objects under prefix+ID and verifies them on
// download.
func TestS3Archive(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	a, err := NewS3Archive(ctx, S3Params{
		Bucket:          "archives",
		Prefix:          "snapshots/",
		Region:          "us-east-1",
		BaseEndpoint:    srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	id, err := a.Put(ctx, []byte("sealed snapshot"))
	require.NoError(t, err)
	require.Contains(t, fake.objects, "/archives/snapshots/"+id)

	data, err := a.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed snapshot"), data)

	fake.objects["/archives/snapshots/"+id] = []byte("tampered")
	_, err = a.Get(ctx, id)
	require.True(t, errors.Is(err, ErrArchiveFetchFailed))

	missing, _ := ComputeID([]byte("missing"))
	_, err = a.Get(ctx, missing)
	require.True(t, errors.Is(err, ErrArchiveFetchFailed))
}
