package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATS struct {
	nc *nats.Conn
}

// NewNATS connects to natsURL. The dial and the initial round trip are both
// bounded by ctx's deadline (or ProbeTimeout when ctx has none).
func NewNATS(ctx context.Context, natsURL string) (*NATS, error) {
	timeout := ProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("connect to nats: %w", context.DeadlineExceeded)
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("docsync"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if err := nc.FlushTimeout(timeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("probe nats: %w", err)
	}
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.nc.Publish(subject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(_ context.Context, topic string, handler Handler) (func(), error) {
	sub, err := n.nc.Subscribe(subject(topic), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (n *NATS) Mode() string { return "nats" }

func (n *NATS) Close() error {
	return n.nc.Drain()
}

// subject maps a topic onto a valid NATS subject; wildcards and whitespace are
// not allowed inside tokens.
func subject(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
}
