// Package signal provides a high-level repository for Signal protocol
// sessions: pairwise and group encryption addressed by JID.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gwillem/signal-session/internal/libsignal"
	"github.com/gwillem/signal-session/internal/metrics"
	"github.com/gwillem/signal-session/internal/store"
)

// Message types accepted by DecryptMessage and returned by EncryptMessage.
const (
	TypePreKeyMessage = "pkmsg"
	TypeMessage       = "msg"
)

// Account is the local identity a Repository encrypts as.
type Account = store.Account

// PreKeyBundle is the key material needed to start a session with a peer.
type PreKeyBundle = libsignal.PreKeyBundle

// Repository is the main entry point. It owns a key store and serializes
// operations per peer and per group sender.
type Repository struct {
	dbPath  string
	backend string
	store   store.Backend
	owned   bool // store was opened by NewRepository
	logger  *log.Logger
	now     func() time.Time
	metrics *metrics.Metrics
	proto   *libsignal.Protocol

	keysMu sync.Mutex // serializes pre-key ID allocation
}

// Option configures a Repository.
type Option func(*Repository)

// WithStore uses b instead of opening a backend. The caller keeps ownership.
func WithStore(b store.Backend) Option {
	return func(r *Repository) { r.store = b }
}

// WithBackend selects the store backend: "sqlite" (default), "bolt" or "memory".
func WithBackend(kind string) Option {
	return func(r *Repository) { r.backend = kind }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/signal-session/default.db.
func WithDBPath(path string) Option {
	return func(r *Repository) { r.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithClock overrides the time source used for session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithMetrics counts every operation on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// NewRepository opens the configured store and returns a Repository over it.
func NewRepository(opts ...Option) (*Repository, error) {
	r := &Repository{backend: store.BackendSQLite, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		logf(r.logger, "opening store backend=%s path=%s", r.backend, r.dbPath)
		b, err := store.OpenBackend(r.backend, r.dbPath)
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		r.store, r.owned = b, true
	}
	r.proto = libsignal.NewProtocol(r.store,
		libsignal.WithLogger(r.logger),
		libsignal.WithClock(r.now),
	)
	return r, nil
}

// Close closes the store if the Repository opened it.
func (r *Repository) Close() error {
	if r.owned {
		return r.store.Close()
	}
	return nil
}

// Store returns the underlying key store.
func (r *Repository) Store() store.Backend { return r.store }

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Init creates the local account for jid unless one exists, and returns it.
func (r *Repository) Init(jid string) (*Account, error) {
	addr, err := ParseJID(jid)
	if err != nil {
		return nil, err
	}
	acct, err := r.store.LoadAccount()
	if err != nil {
		return nil, fmt.Errorf("repository: load account: %w", err)
	}
	if acct != nil {
		if acct.Address() != addr {
			return nil, fmt.Errorf("repository: store already belongs to %s", acct.Address())
		}
		return acct, nil
	}

	identity, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("repository: generate identity: %w", err)
	}
	regID, err := libsignal.GenerateRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("repository: generate registration id: %w", err)
	}
	acct, err = store.NewAccount(addr.Name, addr.DeviceID, identity, regID, r.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveAccount(acct); err != nil {
		return nil, err
	}
	logf(r.logger, "created account %s registrationId=%d", addr, regID)
	return acct, nil
}

// Account returns the local account, or an error if Init was never called.
func (r *Repository) Account() (*Account, error) {
	acct, err := r.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, store.ErrNoAccount
	}
	return acct, nil
}

// EncryptMessage encrypts plaintext for jid. It returns TypePreKeyMessage
// until the peer has answered, TypeMessage afterwards.
func (r *Repository) EncryptMessage(ctx context.Context, jid string, plaintext []byte) (msgType string, ciphertext []byte, err error) {
	defer func() { r.metrics.Observe(metrics.OpEncrypt, err) }()

	addr, err := ParseJID(jid)
	if err != nil {
		return "", nil, err
	}
	msg, err := r.proto.SessionCipher(addr).Encrypt(ctx, plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("repository: encrypt for %s: %w", addr, err)
	}
	if msg.Type() == libsignal.CiphertextMessageTypePreKey {
		return TypePreKeyMessage, msg.Serialize(), nil
	}
	return TypeMessage, msg.Serialize(), nil
}

// DecryptMessage decrypts a pairwise message from jid.
func (r *Repository) DecryptMessage(ctx context.Context, jid, msgType string, ciphertext []byte) (plaintext []byte, err error) {
	defer func() { r.metrics.Observe(metrics.OpDecrypt, err) }()

	addr, err := ParseJID(jid)
	if err != nil {
		return nil, err
	}
	var typ libsignal.MessageType
	switch msgType {
	case TypePreKeyMessage:
		typ = libsignal.CiphertextMessageTypePreKey
	case TypeMessage:
		typ = libsignal.CiphertextMessageTypeWhisper
	default:
		return nil, fmt.Errorf("repository: unknown message type %q", msgType)
	}
	plaintext, err = r.proto.SessionCipher(addr).Decrypt(ctx, typ, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("repository: decrypt from %s: %w", addr, err)
	}
	return plaintext, nil
}

// GroupMessage is an encrypted group message together with the sender key
// distribution message that recipients need before they can decrypt it.
type GroupMessage struct {
	Ciphertext          []byte
	DistributionMessage []byte
}

// EncryptGroupMessage encrypts plaintext for group as the local account,
// creating our sender key on first use.
func (r *Repository) EncryptGroupMessage(ctx context.Context, group string, plaintext []byte) (out *GroupMessage, err error) {
	defer func() { r.metrics.Observe(metrics.OpGroupEncrypt, err) }()

	acct, err := r.Account()
	if err != nil {
		return nil, err
	}
	name := libsignal.NewSenderKeyName(group, acct.Address())

	skdm, err := r.proto.GroupSessionBuilder().Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("repository: sender key for %s: %w", name, err)
	}
	msg, err := r.proto.GroupCipher(name).Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("repository: group encrypt %s: %w", name, err)
	}
	return &GroupMessage{
		Ciphertext:          msg.Serialize(),
		DistributionMessage: skdm.Serialize(),
	}, nil
}

// ProcessSenderKeyDistributionMessage installs the sender key author sent
// for group.
func (r *Repository) ProcessSenderKeyDistributionMessage(ctx context.Context, group, author string, data []byte) (err error) {
	defer func() { r.metrics.Observe(metrics.OpProcessSKDM, err) }()

	name, err := senderKeyName(group, author)
	if err != nil {
		return err
	}
	msg, err := libsignal.DeserializeSenderKeyDistributionMessage(data)
	if err != nil {
		return fmt.Errorf("repository: parse distribution message: %w", err)
	}
	if err := r.proto.GroupSessionBuilder().Process(ctx, name, msg); err != nil {
		return fmt.Errorf("repository: process distribution from %s: %w", name, err)
	}
	return nil
}

// DecryptGroupMessage decrypts a group message author sent to group.
func (r *Repository) DecryptGroupMessage(ctx context.Context, group, author string, data []byte) (plaintext []byte, err error) {
	defer func() { r.metrics.Observe(metrics.OpGroupDecrypt, err) }()

	name, err := senderKeyName(group, author)
	if err != nil {
		return nil, err
	}
	plaintext, err = r.proto.GroupCipher(name).Decrypt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("repository: group decrypt from %s: %w", name, err)
	}
	return plaintext, nil
}

func senderKeyName(group, author string) (libsignal.SenderKeyName, error) {
	addr, err := ParseJID(author)
	if err != nil {
		return libsignal.SenderKeyName{}, err
	}
	return libsignal.NewSenderKeyName(group, addr), nil
}

// InjectSession starts an outgoing session with jid from its pre-key bundle.
func (r *Repository) InjectSession(ctx context.Context, jid string, bundle *PreKeyBundle) (err error) {
	defer func() { r.metrics.Observe(metrics.OpProcessBundle, err) }()

	addr, err := ParseJID(jid)
	if err != nil {
		return err
	}
	if err := r.proto.SessionBuilder(addr).ProcessPreKeyBundle(ctx, bundle); err != nil {
		return fmt.Errorf("repository: inject session %s: %w", addr, err)
	}
	return nil
}

// SessionStatus reports whether an open session exists and why not.
type SessionStatus struct {
	Exists bool
	Reason string
}

// ValidateSession checks for an open session with jid.
func (r *Repository) ValidateSession(ctx context.Context, jid string) (SessionStatus, error) {
	addr, err := ParseJID(jid)
	if err != nil {
		return SessionStatus{}, err
	}
	record, err := libsignal.LoadSession(ctx, r.store, addr)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("repository: load session %s: %w", addr, err)
	}
	switch {
	case record == nil:
		return SessionStatus{Reason: "no session"}, nil
	case !record.HaveOpenSession():
		return SessionStatus{Reason: "no open session"}, nil
	}
	return SessionStatus{Exists: true}, nil
}

// DeleteSession removes the sessions with every jid. It stops at the first
// failure.
func (r *Repository) DeleteSession(ctx context.Context, jids ...string) (err error) {
	defer func() { r.metrics.Observe(metrics.OpDeleteSession, err) }()

	for _, jid := range jids {
		addr, err := ParseJID(jid)
		if err != nil {
			return err
		}
		if err := r.proto.SessionCipher(addr).DeleteSession(ctx); err != nil {
			return fmt.Errorf("repository: delete session %s: %w", addr, err)
		}
		logf(r.logger, "deleted session %s", addr)
	}
	return nil
}

// Sessions lists the addresses with a stored session record.
func (r *Repository) Sessions(ctx context.Context) ([]libsignal.Address, error) {
	return store.SessionAddresses(ctx, r.store)
}

// SessionRecord returns the stored session record for jid, or nil.
func (r *Repository) SessionRecord(ctx context.Context, jid string) (*libsignal.SessionRecord, error) {
	addr, err := ParseJID(jid)
	if err != nil {
		return nil, err
	}
	return libsignal.LoadSession(ctx, r.store, addr)
}

// ErrNoAccount is returned when the store has no local account.
var ErrNoAccount = store.ErrNoAccount

// IsUntrustedIdentity reports whether err came from a changed peer identity.
func IsUntrustedIdentity(err error) bool {
	return errors.Is(err, libsignal.ErrUntrustedIdentity)
}
