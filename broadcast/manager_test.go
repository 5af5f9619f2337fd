////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

func newTestManager(t *testing.T, hub *Hub, name string) *Manager {
	p := DefaultParams()
	p.MessageLogging = true
	m, err := NewManagerWithID(hub.NewChannel(), name, p)
	if err != nil {
		t.Fatalf("Failed to make manager %s: %+v", name, err)
	}
	t.Cleanup(m.Stop)
	return m
}

// Unit test of initManager.
func Test_initManager(t *testing.T) {
	expected := &Manager{
		sender:            "tab",
		senderCallbacks:   make(map[Tag]map[uint64]SenderCallback),
		receiverCallbacks: make(map[Tag]ReceiverCallback),
		responseIDs:       make(map[Tag]uint64),
		Params:            DefaultParams(),
	}

	received := initManager(expected.sender, expected.Params)
	expected.done = received.done
	if !reflect.DeepEqual(expected, received) {
		t.Errorf("Unexpected Manager.\nexpected: %+v\nreceived: %+v",
			expected, received)
	}
}

// Tests that a post on a HubChannel reaches every other channel but not the
// poster.
func TestHubChannel_Post(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.NewChannel(), hub.NewChannel(), hub.NewChannel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aEvents, _ := a.Listen(ctx)
	bEvents, _ := b.Listen(ctx)
	cEvents, _ := c.Listen(ctx)

	if err := a.Post([]byte("hello")); err != nil {
		t.Fatalf("Failed to post: %+v", err)
	}

	for name, events := range map[string]<-chan []byte{"b": bEvents, "c": cEvents} {
		select {
		case data := <-events:
			if string(data) != "hello" {
				t.Errorf("Unexpected data on %s: %q", name, data)
			}
		case <-time.After(time.Second):
			t.Errorf("Timed out waiting for post on %s.", name)
		}
	}

	select {
	case data := <-aEvents:
		t.Errorf("Poster received its own post: %q", data)
	case <-time.After(20 * time.Millisecond):
	}

	_ = b.Close()
	if err := b.Post(nil); err != ErrClosed {
		t.Errorf("Unexpected error posting on closed channel: %v", err)
	}
}

// Tests that Manager.Send reaches the callback registered in another tab with
// the sender's ID.
func TestManager_Send(t *testing.T) {
	hub := NewHub()
	a, b := newTestManager(t, hub, "a"), newTestManager(t, hub, "b")

	type received struct {
		sender string
		data   string
	}
	receivedChan := make(chan received, 1)
	b.RegisterCallback(ConversationUpdatedTag,
		func(sender string, data []byte, _ func([]byte)) {
			receivedChan <- received{sender, string(data)}
		})

	if err := a.Send(ConversationUpdatedTag, []byte("convo")); err != nil {
		t.Fatalf("Failed to send: %+v", err)
	}

	select {
	case r := <-receivedChan:
		if r.sender != "a" || r.data != "convo" {
			t.Errorf("Unexpected message: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for message.")
	}
}

// Tests that Manager.Request returns the reply of another tab.
func TestManager_Request(t *testing.T) {
	hub := NewHub()
	a, b := newTestManager(t, hub, "a"), newTestManager(t, hub, "b")
	c := newTestManager(t, hub, "c")

	b.RegisterCallback(ReplayTag, func(_ string, data []byte, reply func([]byte)) {
		reply(append([]byte("b:"), data...))
	})

	// c has no callback for the tag, so only b replies
	_ = c

	response, err := a.Request(context.Background(), ReplayTag, []byte("x"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %+v", err)
	}
	if string(response) != "b:x" {
		t.Errorf("Unexpected response.\nexpected: %q\nreceived: %q",
			"b:x", response)
	}
}

// Tests that Manager.Request times out when no tab replies.
func TestManager_Request_Timeout(t *testing.T) {
	hub := NewHub()
	a := newTestManager(t, hub, "a")
	newTestManager(t, hub, "b")

	_, err := a.Request(context.Background(), PublishTag, nil, 20*time.Millisecond)
	if err == nil {
		t.Errorf("Request did not time out.")
	}
}

// Tests that processReceivedMessage ignores messages from itself and
// responses addressed to other tabs.
func TestManager_processReceivedMessage_Ignored(t *testing.T) {
	m := initManager("a", DefaultParams())
	called := false
	m.RegisterCallback(ActiveTag, func(string, []byte, func([]byte)) {
		called = true
	})
	m.registerSenderCallback(ActiveTag, func([]byte) { called = true })

	for _, msg := range []Message{
		{Tag: ActiveTag, Sender: "a"},
		{Tag: ActiveTag, ID: 1, Sender: "b", Response: true, Target: "c"},
	} {
		data, _ := json.Marshal(msg)
		if err := m.processReceivedMessage(data); err != nil {
			t.Errorf("Failed to process message: %+v", err)
		}
	}
	if called {
		t.Errorf("Callback called for ignored message.")
	}
}
