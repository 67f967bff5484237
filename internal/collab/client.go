package collab

import (
	"sync"
	"time"

	"docsync/internal/access"
	"docsync/internal/util"
)

const DefaultSendQueue = 256

// CloseReason tells the transport why the server ended a connection.
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseSlowConsumer
	CloseShutdown
)

type ClientInfo struct {
	DocumentID string
	UserID     string
	Name       string
	Color      string
	Level      access.Level
	ExpiresAt  time.Time
}

// Client is one attached connection. Outbound frames are queued on a bounded
// channel drained by the transport's write loop.
type Client struct {
	ID         string
	DocumentID string
	UserID     string
	Name       string
	Color      string

	mu        sync.RWMutex
	level     access.Level
	expiresAt time.Time

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reason    CloseReason
}

func NewClient(info ClientInfo, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	c := &Client{
		ID:         util.NewID("conn"),
		DocumentID: info.DocumentID,
		UserID:     info.UserID,
		Name:       info.Name,
		Color:      info.Color,
		level:      info.Level,
		expiresAt:  info.ExpiresAt,
		send:       make(chan []byte, queueSize),
		closed:     make(chan struct{}),
	}
	return c
}

func (c *Client) Level() access.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

func (c *Client) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// Expired reports whether the connection's token has lapsed at now.
func (c *Client) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// Refresh replaces the access level and expiry with those of a newly verified
// token.
func (c *Client) Refresh(level access.Level, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
	c.expiresAt = expiresAt
}

// Send is the outbound queue.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Done is closed when the server ends the connection.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) CloseReason() CloseReason {
	select {
	case <-c.closed:
		return c.reason
	default:
		return CloseNone
	}
}

// Enqueue queues frame without blocking. It reports false when the queue is
// full or the client was closed.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)
	})
}
