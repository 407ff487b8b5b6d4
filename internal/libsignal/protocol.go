// Package libsignal implements the Signal session layer: X3DH session
// setup, the double ratchet for pairwise messages and the sender key
// ratchet for group messages.
//
// Builders and ciphers borrow records from a KeyStore, mutate a private
// copy and write the whole record back only when the operation succeeds.
// Operations on the same address or sender key name are serialized through
// the Protocol's JobQueue.
package libsignal

import (
	"log"
	"time"
)

// Protocol bundles the collaborators shared by builders and ciphers.
type Protocol struct {
	store  ProtocolStore
	queue  *JobQueue
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets a logger for session events.
func WithLogger(l *log.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithJobQueue shares a queue between Protocols that use the same store.
func WithJobQueue(q *JobQueue) Option {
	return func(p *Protocol) { p.queue = q }
}

// NewProtocol creates a Protocol over store.
func NewProtocol(store ProtocolStore, opts ...Option) *Protocol {
	p := &Protocol{store: store, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.queue == nil {
		p.queue = NewJobQueue()
	}
	return p
}

// Store returns the underlying store.
func (p *Protocol) Store() ProtocolStore { return p.store }

// SessionBuilder returns a builder for sessions with addr.
func (p *Protocol) SessionBuilder(addr Address) *SessionBuilder {
	return &SessionBuilder{p: p, addr: addr}
}

// SessionCipher returns a cipher for messages with addr.
func (p *Protocol) SessionCipher(addr Address) *SessionCipher {
	return &SessionCipher{p: p, addr: addr}
}

// GroupSessionBuilder returns a builder for sender key records.
func (p *Protocol) GroupSessionBuilder() *GroupSessionBuilder {
	return &GroupSessionBuilder{p: p}
}

// GroupCipher returns a cipher for the sender key identified by name.
func (p *Protocol) GroupCipher(name SenderKeyName) *GroupCipher {
	return &GroupCipher{p: p, name: name}
}

func (p *Protocol) nowMillis() int64 {
	return p.now().UnixMilli()
}

func sessionQueueKey(addr Address) string {
	return "session:" + addr.String()
}

func preKeyQueueKey(id uint32) string {
	return "pre-key:" + preKeyKey(id)
}

func senderKeyQueueKey(name SenderKeyName) string {
	return "sender-key:" + name.StoreKey()
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
