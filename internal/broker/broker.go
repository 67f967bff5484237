// Package broker replicates document traffic between server instances over a
// shared pub/sub channel.
//
// The decision whether to distribute is made once at startup by Connect. Call
// sites always hold a Broker and never branch on whether one is configured:
// when no broker is reachable they receive the local variant, whose publish
// and subscribe are no-ops.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProbeTimeout bounds the startup connectivity check. There is no retry.
const ProbeTimeout = 2 * time.Second

const topicPrefix = "docsync.doc."

var ErrUnavailable = errors.New("broker unavailable")

type Handler func(payload []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic. Handlers for one subscription are
	// invoked sequentially. The returned function cancels the subscription.
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)
	// Mode names the variant for health reporting ("local", "redis", "nats").
	Mode() string
	Close() error
}

// Topic derives the channel name a document's traffic is published on.
func Topic(documentID string) string {
	return topicPrefix + documentID
}

// Connect probes the broker at rawURL and returns an active handle, or the
// local variant when rawURL is empty, unsupported or unreachable. It never
// fails.
func Connect(ctx context.Context, rawURL string, logger *zap.Logger) Broker {
	if strings.TrimSpace(rawURL) == "" {
		logger.Info("broker not configured, running single-instance")
		return Local()
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		logger.Warn("broker url invalid, running single-instance", zap.Error(err))
		return Local()
	}

	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var active Broker
	switch parsed.Scheme {
	case "redis", "rediss":
		active, err = NewRedis(probeCtx, rawURL)
	case "nats", "tls":
		active, err = NewNATS(probeCtx, rawURL)
	default:
		err = fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if err != nil {
		logger.Warn("broker unreachable, running single-instance",
			zap.String("host", parsed.Host),
			zap.Error(err),
		)
		return Local()
	}
	logger.Info("broker connected", zap.String("mode", active.Mode()), zap.String("host", parsed.Host))
	return Monitor(active, logger)
}

type local struct{}

// Local returns the disabled variant: the instance is its own broker.
func Local() Broker { return local{} }

func (local) Publish(context.Context, string, []byte) error { return nil }
func (local) Subscribe(context.Context, string, Handler) (func(), error) {
	return func() {}, nil
}
func (local) Mode() string { return "local" }
func (local) Close() error { return nil }

// Observed is implemented by brokers returned from Connect in distribution
// mode.
type Observed interface {
	Degraded() bool
	// OnRecover registers fn to run each time publishing works again after an
	// outage.
	OnRecover(fn func())
}

// Degraded reports whether b is in an outage. The local variant never is.
func Degraded(b Broker) bool {
	if o, ok := b.(Observed); ok {
		return o.Degraded()
	}
	return false
}

// monitored logs a broker outage once when it starts and once when it ends,
// instead of on every failed publish.
type monitored struct {
	Broker
	logger   *zap.Logger
	degraded atomic.Bool

	mu        sync.Mutex
	onRecover []func()
}

func Monitor(inner Broker, logger *zap.Logger) Broker {
	return &monitored{Broker: inner, logger: logger}
}

func (m *monitored) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := m.Broker.Publish(ctx, topic, payload); err != nil {
		if m.degraded.CompareAndSwap(false, true) {
			m.logger.Warn("broker publish failing, fan-out is local-only", zap.String("mode", m.Mode()), zap.Error(err))
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if m.degraded.CompareAndSwap(true, false) {
		m.logger.Info("broker publish recovered", zap.String("mode", m.Mode()))
		m.mu.Lock()
		callbacks := append([]func(){}, m.onRecover...)
		m.mu.Unlock()
		// Callbacks may publish; they must not run on the caller's goroutine.
		go func() {
			for _, fn := range callbacks {
				fn()
			}
		}()
	}
	return nil
}

func (m *monitored) Degraded() bool {
	return m.degraded.Load()
}

func (m *monitored) OnRecover(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecover = append(m.onRecover, fn)
}
