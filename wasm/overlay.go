////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package wasm

import (
	"context"
	"sync"
	"syscall/js"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/wasm-utils/utils"
)

const subscriptionBufferSize = 256

// jsOverlay adapts a Javascript overlay node to the transport client used by
// the messenger. The object must have the methods:
//
//	connect(): Promise<void>
//	close(): void
//	publish(topic: string, data: Uint8Array): Promise<void>
//	subscribe(topic: string, onMessage: (data: Uint8Array) => void): () => void
//	replay(topic: string): Promise<Uint8Array[]>
//	peerId(): string
//	peerCount(): number
type jsOverlay struct {
	connect   func(args ...any) js.Value
	close     func(args ...any) js.Value
	publish   func(args ...any) js.Value
	subscribe func(args ...any) js.Value
	replay    func(args ...any) js.Value
	peerID    func(args ...any) js.Value
	peerCount func(args ...any) js.Value

	// closed is closed on Close to end every open subscription.
	closed chan struct{}
	mux    sync.Mutex
}

func newJsOverlay(obj js.Value) *jsOverlay {
	return &jsOverlay{
		connect:   utils.WrapCB(obj, "connect"),
		close:     utils.WrapCB(obj, "close"),
		publish:   utils.WrapCB(obj, "publish"),
		subscribe: utils.WrapCB(obj, "subscribe"),
		replay:    utils.WrapCB(obj, "replay"),
		peerID:    utils.WrapCB(obj, "peerId"),
		peerCount: utils.WrapCB(obj, "peerCount"),
		closed:    make(chan struct{}),
	}
}

// Connect starts the Javascript node.
func (o *jsOverlay) Connect(ctx context.Context) error {
	if _, err := await(ctx, o.connect()); err != nil {
		return errors.WithMessage(err, "failed to connect overlay node")
	}
	o.mux.Lock()
	select {
	case <-o.closed:
		o.closed = make(chan struct{})
	default:
	}
	o.mux.Unlock()
	return nil
}

// Close stops the Javascript node and ends every subscription.
func (o *jsOverlay) Close() error {
	o.mux.Lock()
	select {
	case <-o.closed:
	default:
		close(o.closed)
	}
	o.mux.Unlock()
	o.close()
	return nil
}

// Publish sends the data on the topic.
func (o *jsOverlay) Publish(ctx context.Context, topic string, data []byte) error {
	_, err := await(ctx, o.publish(topic, utils.CopyBytesToJS(data)))
	return err
}

// Subscribe registers a Javascript callback for the topic and forwards every
// message to the returned channel until ctx is done or the node is closed.
func (o *jsOverlay) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriptionBufferSize)
	var done sync.Once
	stopped := make(chan struct{})

	onMessage := js.FuncOf(func(_ js.Value, args []js.Value) any {
		select {
		case <-stopped:
			return nil
		default:
		}
		select {
		case ch <- utils.CopyBytesToGo(args[0]):
		default:
			jww.WARN.Printf("[OVERLAY] Subscription buffer of %s full, "+
				"dropping message", topic)
		}
		return nil
	})
	unsubscribe := o.subscribe(topic, onMessage)
	if unsubscribe.Type() != js.TypeFunction {
		onMessage.Release()
		return nil, errors.Errorf("subscribe to %s did not return a function",
			topic)
	}

	o.mux.Lock()
	closed := o.closed
	o.mux.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
		}
		done.Do(func() {
			close(stopped)
			unsubscribe.Invoke()
			onMessage.Release()
			close(ch)
		})
	}()
	return ch, nil
}

// Replay returns the messages the Javascript node retained for the topic.
func (o *jsOverlay) Replay(ctx context.Context, topic string) ([][]byte, error) {
	v, err := await(ctx, o.replay(topic))
	if err != nil {
		return nil, err
	}
	msgs := make([][]byte, v.Length())
	for i := range msgs {
		msgs[i] = utils.CopyBytesToGo(v.Index(i))
	}
	return msgs, nil
}

// PeerID returns the ID of the Javascript node.
func (o *jsOverlay) PeerID() string {
	v := o.peerID()
	if v.Type() != js.TypeString {
		return ""
	}
	return v.String()
}

// PeerCount returns the number of peers of the Javascript node.
func (o *jsOverlay) PeerCount() int {
	v := o.peerCount()
	if v.Type() != js.TypeNumber {
		return 0
	}
	return v.Int()
}
