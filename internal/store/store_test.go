package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-session/internal/libsignal"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tempBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "test.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, tempStore(t)) })
	t.Run("bolt", func(t *testing.T) { fn(t, tempBolt(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func newTestAccount(t *testing.T, name string) *Account {
	t.Helper()
	identity, err := libsignal.GenerateIdentityKeyPair()
	require.NoError(t, err)
	acct, err := NewAccount(name, 1, identity, 4242, time.Now().UnixMilli())
	require.NoError(t, err)
	return acct
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}

func TestOpenBackendUnknown(t *testing.T) {
	_, err := OpenBackend("etcd", "")
	require.ErrorContains(t, err, "unknown backend")
}

func TestGetSet(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		got, err := b.Get(ctx, libsignal.RecordSession, []string{"alice.1"})
		require.NoError(t, err)
		require.Empty(t, got)

		batch := libsignal.Batch{}
		batch.Put(libsignal.RecordSession, "alice.1", []byte("one"))
		batch.Put(libsignal.RecordSession, "bob.2", []byte("two"))
		batch.Put(libsignal.RecordPreKey, "7", []byte("pk"))
		require.NoError(t, b.Set(ctx, batch))

		got, err = b.Get(ctx, libsignal.RecordSession, []string{"alice.1", "bob.2", "carol.3"})
		require.NoError(t, err)
		require.Equal(t, map[string][]byte{"alice.1": []byte("one"), "bob.2": []byte("two")}, got)

		// Kinds are separate namespaces.
		got, err = b.Get(ctx, libsignal.RecordSenderKey, []string{"alice.1"})
		require.NoError(t, err)
		require.Empty(t, got)

		// Overwrite and delete in one batch.
		batch = libsignal.Batch{}
		batch.Put(libsignal.RecordSession, "alice.1", []byte("uno"))
		batch.Delete(libsignal.RecordSession, "bob.2")
		batch.Delete(libsignal.RecordPreKey, "7")
		require.NoError(t, b.Set(ctx, batch))

		got, err = b.Get(ctx, libsignal.RecordSession, []string{"alice.1", "bob.2"})
		require.NoError(t, err)
		require.Equal(t, map[string][]byte{"alice.1": []byte("uno")}, got)

		keys, err := b.Keys(ctx, libsignal.RecordPreKey)
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}

func TestGetReturnsCopies(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		value := []byte("record")
		batch := libsignal.Batch{}
		batch.Put(libsignal.RecordIdentity, "alice.1", value)
		require.NoError(t, b.Set(ctx, batch))
		value[0] = 'X'

		got, err := b.Get(ctx, libsignal.RecordIdentity, []string{"alice.1"})
		require.NoError(t, err)
		require.Equal(t, []byte("record"), got["alice.1"])
	})
}

func TestSetUnknownKindIsAtomic(t *testing.T) {
	for name, b := range map[string]Backend{"sqlite": tempStore(t), "bolt": tempBolt(t)} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch := libsignal.Batch{}
			batch.Put(libsignal.RecordSession, "alice.1", []byte("one"))
			batch.Put("bogus", "x", []byte("y"))
			require.Error(t, b.Set(ctx, batch))

			got, err := b.Get(ctx, libsignal.RecordSession, []string{"alice.1"})
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestAccount(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		acct, err := b.LoadAccount()
		require.NoError(t, err)
		require.Nil(t, acct)

		_, err = b.GetIdentityKeyPair(ctx)
		require.ErrorIs(t, err, ErrNoAccount)
		_, err = b.GetLocalRegistrationID(ctx)
		require.ErrorIs(t, err, ErrNoAccount)

		want := newTestAccount(t, "alice")
		require.NoError(t, b.SaveAccount(want))

		got, err := b.LoadAccount()
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, libsignal.NewAddress("alice", 1), got.Address())

		regID, err := b.GetLocalRegistrationID(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(4242), regID)

		identity, err := b.GetIdentityKeyPair(ctx)
		require.NoError(t, err)
		wantIdentity, err := want.IdentityKeyPair()
		require.NoError(t, err)
		require.True(t, identity.PublicKey.Equals(wantIdentity.PublicKey))
	})
}

func TestAccountSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	want := newTestAccount(t, "alice")

	for _, kind := range []string{BackendSQLite, BackendBolt} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(dir, "reopen."+kind)
			b, err := OpenBackend(kind, path)
			require.NoError(t, err)
			require.NoError(t, b.SaveAccount(want))
			require.NoError(t, b.Close())

			b, err = OpenBackend(kind, path)
			require.NoError(t, err)
			defer b.Close()

			regID, err := b.GetLocalRegistrationID(context.Background())
			require.NoError(t, err)
			require.Equal(t, want.RegistrationID, regID)
		})
	}
}

func TestPreKeyIDs(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		next, err := NextPreKeyID(ctx, b, libsignal.RecordPreKey)
		require.NoError(t, err)
		require.Equal(t, uint32(1), next)

		keys, err := libsignal.GeneratePreKeys(9, 3)
		require.NoError(t, err)
		require.NoError(t, libsignal.StorePreKeys(ctx, b, keys...))

		ids, err := PreKeyIDs(ctx, b, libsignal.RecordPreKey)
		require.NoError(t, err)
		require.ElementsMatch(t, []uint32{9, 10, 11}, ids)

		next, err = NextPreKeyID(ctx, b, libsignal.RecordPreKey)
		require.NoError(t, err)
		require.Equal(t, uint32(12), next)

		rec, err := libsignal.LoadPreKey(ctx, b, 10)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Equal(t, uint32(10), rec.ID())
	})
}

func TestAllocatePreKeyIDs(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryStore()
	last := uint32(libsignal.MaxPreKeyID)
	for _, id := range []uint32{last, 1, 2} {
		k, err := libsignal.GeneratePreKey(id)
		require.NoError(t, err)
		require.NoError(t, libsignal.StorePreKeys(ctx, b, k))
	}

	ids, next, err := AllocatePreKeyIDs(ctx, b, libsignal.RecordPreKey, 10, 2)
	require.NoError(t, err)
	require.Equal(t, []uint32{10, 11}, ids)
	require.Equal(t, uint32(12), next)

	// Wrapping skips IDs that are still stored.
	ids, next, err = AllocatePreKeyIDs(ctx, b, libsignal.RecordPreKey, last-1, 3)
	require.NoError(t, err)
	require.Equal(t, []uint32{last - 1, 3, 4}, ids)
	require.Equal(t, uint32(5), next)

	ids, next, err = AllocatePreKeyIDs(ctx, b, libsignal.RecordPreKey, last, 1)
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, ids)
	require.Equal(t, uint32(4), next)

	_, next, err = AllocatePreKeyIDs(ctx, b, libsignal.RecordPreKey, last-2, 1)
	require.NoError(t, err)
	require.Equal(t, last-1, next)

	_, _, err = AllocatePreKeyIDs(ctx, b, libsignal.RecordPreKey, 1, libsignal.MaxPreKeyID)
	require.ErrorContains(t, err, "no free")
}

func TestBoltCloseFlushes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "close.bolt")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	batch := libsignal.Batch{}
	batch.Put(libsignal.RecordSession, "alice.1", []byte("one"))
	require.NoError(t, s.Set(ctx, batch))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, libsignal.RecordSession, []string{"alice.1"})
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got["alice.1"])
}

// party is one side of a session backed by a Backend.
type party struct {
	addr  libsignal.Address
	acct  *Account
	b     Backend
	proto *libsignal.Protocol
}

func newParty(t *testing.T, name string, b Backend) *party {
	t.Helper()
	acct := newTestAccount(t, name)
	require.NoError(t, b.SaveAccount(acct))
	return &party{addr: acct.Address(), acct: acct, b: b, proto: libsignal.NewProtocol(b)}
}

func (p *party) bundle(t *testing.T) *libsignal.PreKeyBundle {
	t.Helper()
	ctx := context.Background()
	identity, err := p.acct.IdentityKeyPair()
	require.NoError(t, err)

	signed, err := libsignal.GenerateSignedPreKey(identity, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, libsignal.StoreSignedPreKey(ctx, p.b, signed))

	keys, err := libsignal.GeneratePreKeys(1, 1)
	require.NoError(t, err)
	require.NoError(t, libsignal.StorePreKeys(ctx, p.b, keys...))

	return libsignal.NewPreKeyBundle(p.acct.RegistrationID, p.addr.DeviceID,
		keys[0].ID(), keys[0].PublicKey(),
		signed.ID(), signed.PublicKey(), signed.Signature(), identity.PublicKey)
}

func TestSessionPersistence(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		alice := newParty(t, "alice", NewMemoryStore())
		bob := newParty(t, "bob", b)

		require.NoError(t, alice.proto.SessionBuilder(bob.addr).ProcessPreKeyBundle(ctx, bob.bundle(t)))

		ct, err := alice.proto.SessionCipher(bob.addr).Encrypt(ctx, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, libsignal.CiphertextMessageTypePreKey, ct.Type())

		pt, err := bob.proto.SessionCipher(alice.addr).Decrypt(ctx, ct.Type(), ct.Serialize())
		require.NoError(t, err)
		require.Equal(t, "hello", string(pt))

		// The consumed one-time pre-key is gone, the identity is remembered.
		rec, err := libsignal.LoadPreKey(ctx, b, 1)
		require.NoError(t, err)
		require.Nil(t, rec)

		known, err := libsignal.LoadIdentity(ctx, b, alice.addr)
		require.NoError(t, err)
		require.NotNil(t, known)

		addrs, err := SessionAddresses(ctx, b)
		require.NoError(t, err)
		require.Equal(t, []libsignal.Address{alice.addr}, addrs)

		// Replaying the same message fails and leaves the session usable.
		_, err = bob.proto.SessionCipher(alice.addr).Decrypt(ctx, ct.Type(), ct.Serialize())
		require.Error(t, err)

		reply, err := bob.proto.SessionCipher(alice.addr).Encrypt(ctx, []byte("hi"))
		require.NoError(t, err)
		pt, err = alice.proto.SessionCipher(bob.addr).Decrypt(ctx, reply.Type(), reply.Serialize())
		require.NoError(t, err)
		require.Equal(t, "hi", string(pt))
	})
}

func TestSenderKeyPersistence(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		alice := newParty(t, "alice", NewMemoryStore())
		bob := newParty(t, "bob", b)
		name := libsignal.NewSenderKeyName("group-1", alice.addr)

		skdm, err := alice.proto.GroupSessionBuilder().Create(ctx, name)
		require.NoError(t, err)
		require.NoError(t, bob.proto.GroupSessionBuilder().Process(ctx, name, skdm))

		rec, err := libsignal.LoadSenderKey(ctx, b, name)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Len(t, rec.States, 1)

		for _, msg := range []string{"one", "two"} {
			ct, err := alice.proto.GroupCipher(name).Encrypt(ctx, []byte(msg))
			require.NoError(t, err)
			pt, err := bob.proto.GroupCipher(name).Decrypt(ctx, ct.Serialize())
			require.NoError(t, err)
			require.Equal(t, msg, string(pt))
		}
	})
}
