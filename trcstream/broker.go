// Package trcstream streams commands from runtimes to remote clients over
// server-sent events, and carries client requests back to the runtimes.
package trcstream

import (
	"context"
	"sync/atomic"

	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/internal/trcpubsub"
)

// Broker provides publish and subscribe semantics for delivered commands.
type Broker struct {
	broker *trcpubsub.Broker[Item]
	seq    atomic.Uint64
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		broker: trcpubsub.NewBroker[Item](),
	}
}

// Streamer describes the broker.
type Streamer interface {
	Stream(ctx context.Context, f Filter, ch chan<- Item) (Stats, error)
	StreamStats(ch chan<- Item) (Stats, error)
}

var _ Streamer = (*Broker)(nil)

// Stats for active subscribers.
type Stats = trcpubsub.Stats

// Publish cmd, delivered by the named client, to any active subscribers.
func (b *Broker) Publish(client string, cmd trcagent.Command) {
	b.broker.Publish(Item{
		Client:  client,
		Seq:     b.seq.Add(1),
		Command: cmd,
	})
}

// Stream items matching the filter to the provided channel. The method blocks
// until ctx is canceled or the broker is closed.
func (b *Broker) Stream(ctx context.Context, f Filter, ch chan<- Item) (Stats, error) {
	return b.broker.Subscribe(ctx, f.Allow, ch)
}

// StreamStats for the active stream represented by the given channel.
func (b *Broker) StreamStats(ch chan<- Item) (Stats, error) {
	return b.broker.Stats(ch)
}

// Subscribers returns the number of active streams.
func (b *Broker) Subscribers() int {
	return b.broker.Len()
}

// Close ends every stream.
func (b *Broker) Close() {
	b.broker.Close()
}

// Listener returns a command listener which publishes commands as delivered
// by the named client. Publishing never blocks and never fails; commands
// delivered while nobody is streaming are lost.
func (b *Broker) Listener(client string) trcagent.CommandListener {
	return trcagent.ListenerFunc(func(cmd trcagent.Command) error {
		b.Publish(client, cmd)
		return nil
	})
}
