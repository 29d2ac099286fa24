package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-zeromq/zmq4"
)

// l1Topic is the publication topic carrying raw block payloads.
const l1Topic = "rawblock"

// Listener subscribes to raw L1 block payloads on the node's pub/sub
// endpoint and hands each payload to a handler.
type Listener struct {
	endpoint string
	logger   *slog.Logger
}

// NewListener creates a listener for the given pub/sub endpoint.
func NewListener(endpoint string, logger *slog.Logger) *Listener {
	return &Listener{
		endpoint: endpoint,
		logger:   logger.With(slog.String("component", "l1-listener")),
	}
}

// Run subscribes and pumps messages until the context is cancelled. The
// handler runs on the listener goroutine, so a slow handler delays the feed.
func (l *Listener) Run(ctx context.Context, handle func(payload []byte)) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()

	if err := sub.Dial(l.endpoint); err != nil {
		return fmt.Errorf("dial L1 block feed %s: %w", l.endpoint, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, l1Topic); err != nil {
		return fmt.Errorf("subscribe to %s: %w", l1Topic, err)
	}

	l.logger.Info("listening for L1 blocks", slog.String("endpoint", l.endpoint))

	for {
		msg, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive L1 message: %w", err)
		}

		// Messages arrive as [topic, payload, sequence].
		if len(msg.Frames) < 2 || string(msg.Frames[0]) != l1Topic {
			continue
		}
		handle(msg.Frames[1])
	}
}
