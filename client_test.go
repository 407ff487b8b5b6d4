package signal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gwillem/signal-session/internal/libsignal"
	"github.com/gwillem/signal-session/internal/metrics"
)

const (
	aliceJID = "alice:1@s.whatsapp.net"
	bobJID   = "bob:2@s.whatsapp.net"
)

func newMemoryRepo(t *testing.T, jid string, opts ...Option) *Repository {
	t.Helper()
	r, err := NewRepository(append([]Option{WithBackend("memory")}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	if _, err := r.Init(jid); err != nil {
		t.Fatal(err)
	}
	return r
}

// connect has alice start a session with bob through an exported bundle.
func connect(t *testing.T, alice, bob *Repository) {
	t.Helper()
	ctx := context.Background()
	bundle, err := bob.GeneratePreKeys(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	data, err := MarshalBundle(bundle)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err = UnmarshalBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.InjectSession(ctx, bobJID, bundle); err != nil {
		t.Fatal(err)
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		jid     string
		want    libsignal.Address
		wantErr bool
	}{
		{"alice@s.whatsapp.net", libsignal.NewAddress("alice", 0), false},
		{"alice:3@s.whatsapp.net", libsignal.NewAddress("alice", 3), false},
		{"12345:0@lid", libsignal.NewAddress("12345", 0), false},
		{"bare", libsignal.NewAddress("bare", 0), false},
		{"", libsignal.Address{}, true},
		{"@server", libsignal.Address{}, true},
		{":1@server", libsignal.Address{}, true},
		{"alice:x@server", libsignal.Address{}, true},
		{"alice:-1@server", libsignal.Address{}, true},
	}
	for _, tt := range tests {
		got, err := ParseJID(tt.jid)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseJID(%q) error = %v, wantErr %v", tt.jid, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseJID(%q) = %v, want %v", tt.jid, got, tt.want)
		}
	}
}

func TestRepositoryPairwise(t *testing.T) {
	ctx := context.Background()
	alice := newMemoryRepo(t, aliceJID)
	bob := newMemoryRepo(t, bobJID)

	status, err := alice.ValidateSession(ctx, bobJID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Exists || status.Reason != "no session" {
		t.Fatalf("before inject: %+v", status)
	}

	connect(t, alice, bob)

	status, err = alice.ValidateSession(ctx, bobJID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Exists {
		t.Fatalf("after inject: %+v", status)
	}

	typ, ct, err := alice.EncryptMessage(ctx, bobJID, []byte("hello bob"))
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypePreKeyMessage {
		t.Fatalf("first message type = %q, want %q", typ, TypePreKeyMessage)
	}
	pt, err := bob.DecryptMessage(ctx, aliceJID, typ, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello bob" {
		t.Fatalf("got %q", pt)
	}

	typ, ct, err = bob.EncryptMessage(ctx, aliceJID, []byte("hello alice"))
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeMessage {
		t.Fatalf("reply type = %q, want %q", typ, TypeMessage)
	}
	if pt, err = alice.DecryptMessage(ctx, bobJID, typ, ct); err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello alice" {
		t.Fatalf("got %q", pt)
	}

	// Once bob has answered, alice stops sending pre-key messages.
	typ, _, err = alice.EncryptMessage(ctx, bobJID, []byte("again"))
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeMessage {
		t.Fatalf("type after reply = %q, want %q", typ, TypeMessage)
	}

	addrs, err := bob.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != libsignal.NewAddress("alice", 1) {
		t.Fatalf("bob sessions = %v", addrs)
	}

	if err := alice.DeleteSession(ctx, bobJID); err != nil {
		t.Fatal(err)
	}
	status, err = alice.ValidateSession(ctx, bobJID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Exists {
		t.Fatalf("after delete: %+v", status)
	}
}

func TestRepositoryDecryptErrors(t *testing.T) {
	ctx := context.Background()
	alice := newMemoryRepo(t, aliceJID)

	if _, err := alice.DecryptMessage(ctx, bobJID, "skmsg", []byte{0x33}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := alice.DecryptMessage(ctx, "@nobody", TypeMessage, []byte{0x33}); err == nil {
		t.Fatal("expected error for bad jid")
	}
	if _, _, err := alice.EncryptMessage(ctx, bobJID, []byte("x")); !errors.Is(err, libsignal.ErrNoSession) {
		t.Fatalf("encrypt without session: %v", err)
	}
}

func TestRepositoryGroup(t *testing.T) {
	ctx := context.Background()
	alice := newMemoryRepo(t, aliceJID)
	bob := newMemoryRepo(t, bobJID)
	const group = "120363025246125486@g.us"

	first, err := alice.EncryptGroupMessage(ctx, group, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.DecryptGroupMessage(ctx, group, aliceJID, first.Ciphertext); !errors.Is(err, libsignal.ErrNoSenderKeyRecord) {
		t.Fatalf("decrypt before distribution: %v", err)
	}
	if err := bob.ProcessSenderKeyDistributionMessage(ctx, group, aliceJID, first.DistributionMessage); err != nil {
		t.Fatal(err)
	}

	second, err := alice.EncryptGroupMessage(ctx, group, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	// The same sender key is reused across messages.
	d1, err := libsignal.DeserializeSenderKeyDistributionMessage(first.DistributionMessage)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := libsignal.DeserializeSenderKeyDistributionMessage(second.DistributionMessage)
	if err != nil {
		t.Fatal(err)
	}
	if d1.KeyID != d2.KeyID || d2.Iteration != d1.Iteration+1 {
		t.Fatalf("distribution messages: key %d iter %d, then key %d iter %d", d1.KeyID, d1.Iteration, d2.KeyID, d2.Iteration)
	}

	for _, tc := range []struct {
		msg  *GroupMessage
		want string
	}{{second, "two"}, {first, "one"}} {
		pt, err := bob.DecryptGroupMessage(ctx, group, aliceJID, tc.msg.Ciphertext)
		if err != nil {
			t.Fatalf("decrypt %q: %v", tc.want, err)
		}
		if string(pt) != tc.want {
			t.Fatalf("got %q, want %q", pt, tc.want)
		}
	}
}

func TestRepositoryPreKeyIDsAreNotReused(t *testing.T) {
	ctx := context.Background()
	alice := newMemoryRepo(t, aliceJID)
	bob := newMemoryRepo(t, bobJID)

	first, err := bob.GeneratePreKeys(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.InjectSession(ctx, bobJID, first); err != nil {
		t.Fatal(err)
	}
	typ, ct, err := alice.EncryptMessage(ctx, bobJID, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.DecryptMessage(ctx, aliceJID, typ, ct); err != nil {
		t.Fatal(err)
	}

	// The consumed pre-key is gone; a new batch must not take over its ID.
	if err := bob.DeleteSession(ctx, aliceJID); err != nil {
		t.Fatal(err)
	}
	second, err := bob.GeneratePreKeys(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if second.PreKeyID == first.PreKeyID {
		t.Fatalf("pre-key id %d handed out twice", first.PreKeyID)
	}
	if second.SignedPreKeyID == first.SignedPreKeyID {
		t.Fatalf("signed pre-key id %d handed out twice", first.SignedPreKeyID)
	}

	_, err = bob.DecryptMessage(ctx, aliceJID, typ, ct)
	if kind := libsignal.KindOf(err); kind != libsignal.KindStalePreKeyReference {
		t.Fatalf("replayed handshake: kind %v, err %v", kind, err)
	}
}

func TestRepositoryMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	alice := newMemoryRepo(t, aliceJID, WithMetrics(m))
	bob := newMemoryRepo(t, bobJID)
	connect(t, alice, bob)

	if _, _, err := alice.EncryptMessage(ctx, bobJID, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.DecryptMessage(ctx, bobJID, TypeMessage, []byte("garbage")); err == nil {
		t.Fatal("expected decrypt error")
	}

	// process_bundle/ok, encrypt/ok, decrypt/error
	if n, err := testutil.GatherAndCount(reg, "signal_session_operations_total"); err != nil || n != 3 {
		t.Fatalf("operation series = %d, %v", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "signal_session_errors_total"); err != nil || n != 1 {
		t.Fatalf("error series = %d, %v", n, err)
	}
}

func TestRepositoryPersistsAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.db")

	r, err := NewRepository(WithDBPath(path))
	if err != nil {
		t.Fatal(err)
	}
	created, err := r.Init(aliceJID)
	if err != nil {
		t.Fatal(err)
	}
	before, err := r.GeneratePreKeys(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r, err = NewRepository(WithDBPath(path))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	acct, err := r.Account()
	if err != nil {
		t.Fatal(err)
	}
	if acct.RegistrationID != created.RegistrationID || acct.Address() != created.Address() {
		t.Fatalf("reopened account %+v, want %+v", acct, created)
	}

	// The pre-key counters survive the reopen.
	after, err := r.GeneratePreKeys(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if after.PreKeyID != before.PreKeyID+3 || after.SignedPreKeyID != before.SignedPreKeyID+1 {
		t.Fatalf("ids after reopen: pre-key %d signed %d, before: pre-key %d signed %d",
			after.PreKeyID, after.SignedPreKeyID, before.PreKeyID, before.SignedPreKeyID)
	}

	// Init is idempotent for the same JID and refuses a different one.
	again, err := r.Init(aliceJID)
	if err != nil {
		t.Fatal(err)
	}
	if again.RegistrationID != created.RegistrationID {
		t.Fatal("Init replaced the existing account")
	}
	if _, err := r.Init(bobJID); err == nil {
		t.Fatal("expected error for a different jid")
	}
}

func TestRepositoryWithoutAccount(t *testing.T) {
	r, err := NewRepository(WithBackend("memory"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Account(); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("Account: %v", err)
	}
	if _, err := r.EncryptGroupMessage(context.Background(), "g", []byte("x")); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("EncryptGroupMessage: %v", err)
	}
}
