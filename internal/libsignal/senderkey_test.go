package libsignal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

// groupPair returns a sender with its own sender key and a receiver that
// has processed the sender's distribution message.
func groupPair(t *testing.T) (sender, receiver *GroupCipher, name SenderKeyName, recvStore *MemoryProtocolStore) {
	t.Helper()
	ctx := context.Background()
	alice := newParty(t, "alice", 1)
	bob := newParty(t, "bob", 2)
	name = NewSenderKeyName("group-1", alice.addr)

	skdm, err := alice.proto.GroupSessionBuilder().Create(ctx, name)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	parsed, err := DeserializeSenderKeyDistributionMessage(skdm.Serialize())
	if err != nil {
		t.Fatalf("DeserializeSenderKeyDistributionMessage: %v", err)
	}
	if err := bob.proto.GroupSessionBuilder().Process(ctx, name, parsed); err != nil {
		t.Fatalf("Process: %v", err)
	}
	return alice.proto.GroupCipher(name), bob.proto.GroupCipher(name), name, bob.store
}

func groupEncrypt(t *testing.T, c *GroupCipher, msg string) []byte {
	t.Helper()
	ct, err := c.Encrypt(context.Background(), []byte(msg))
	if err != nil {
		t.Fatalf("group encrypt: %v", err)
	}
	return ct.Serialize()
}

func senderState(t *testing.T, store KeyStore, name SenderKeyName) *SenderKeyState {
	t.Helper()
	r, err := LoadSenderKey(context.Background(), store, name)
	if err != nil {
		t.Fatalf("LoadSenderKey: %v", err)
	}
	if r == nil || r.CurrentState() == nil {
		t.Fatal("no sender key state")
	}
	return r.CurrentState()
}

func TestGroupRoundTrip(t *testing.T) {
	sender, receiver, _, _ := groupPair(t)
	for _, msg := range []string{"", "hello group", string(bytes.Repeat([]byte("g"), 333))} {
		pt, err := receiver.Decrypt(context.Background(), groupEncrypt(t, sender, msg))
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(pt) != msg {
			t.Fatalf("decrypted %q, want %q", pt, msg)
		}
	}
}

func TestGroupMonotonic(t *testing.T) {
	sender, receiver, name, store := groupPair(t)
	for i := range 5 {
		if _, err := receiver.Decrypt(context.Background(), groupEncrypt(t, sender, fmt.Sprint(i))); err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		st := senderState(t, store, name)
		if st.ChainKey.Index != uint32(i+1) {
			t.Errorf("iteration = %d, want %d", st.ChainKey.Index, i+1)
		}
		if st.MessageKeys.Len() != 0 {
			t.Errorf("cache = %v", st.MessageKeys.Indexes())
		}
	}
}

func TestGroupOutOfOrder(t *testing.T) {
	sender, receiver, name, store := groupPair(t)
	ctx := context.Background()
	var cts [][]byte
	for i := range 6 {
		cts = append(cts, groupEncrypt(t, sender, fmt.Sprint(i)))
	}
	for _, i := range []int{5, 3, 4} {
		pt, err := receiver.Decrypt(ctx, cts[i])
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if string(pt) != fmt.Sprint(i) {
			t.Fatalf("decrypted %q, want %d", pt, i)
		}
	}
	st := senderState(t, store, name)
	if st.MessageKeys.Has(3) || st.MessageKeys.Has(4) {
		t.Errorf("consumed iterations still cached: %v", st.MessageKeys.Indexes())
	}
	if !st.MessageKeys.Has(0) || !st.MessageKeys.Has(1) || !st.MessageKeys.Has(2) {
		t.Errorf("skipped iterations not cached: %v", st.MessageKeys.Indexes())
	}
}

func TestGroupReplayRejected(t *testing.T) {
	sender, receiver, _, _ := groupPair(t)
	ctx := context.Background()
	ct := groupEncrypt(t, sender, "once")
	if _, err := receiver.Decrypt(ctx, ct); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	_, err := receiver.Decrypt(ctx, ct)
	if !errors.Is(err, ErrOldCounterKeyNotFound) || KindOf(err) != KindReplayedOrConsumedKey {
		t.Errorf("replay: err = %v", err)
	}
}

// Iteration 2 arrives first, then 1 and 0 come from the cache, then 0 again.
func TestGroupCachedIterationScenario(t *testing.T) {
	sender, receiver, name, store := groupPair(t)
	ctx := context.Background()
	cts := [][]byte{groupEncrypt(t, sender, "0"), groupEncrypt(t, sender, "1"), groupEncrypt(t, sender, "2")}

	if _, err := receiver.Decrypt(ctx, cts[2]); err != nil {
		t.Fatalf("Decrypt 2: %v", err)
	}
	st := senderState(t, store, name)
	if st.ChainKey.Index != 3 || st.MessageKeys.Len() != 2 {
		t.Fatalf("after 2: iteration %d, cached %v", st.ChainKey.Index, st.MessageKeys.Indexes())
	}
	if _, err := receiver.Decrypt(ctx, cts[1]); err != nil {
		t.Fatalf("Decrypt 1: %v", err)
	}
	if _, err := receiver.Decrypt(ctx, cts[0]); err != nil {
		t.Fatalf("Decrypt 0: %v", err)
	}
	st = senderState(t, store, name)
	if st.MessageKeys.Len() != 0 || st.ChainKey.Index != 3 {
		t.Fatalf("after backfill: iteration %d, cached %v", st.ChainKey.Index, st.MessageKeys.Indexes())
	}
	if _, err := receiver.Decrypt(ctx, cts[0]); !errors.Is(err, ErrOldCounterKeyNotFound) {
		t.Errorf("0 again: err = %v", err)
	}
}

func TestGroupFutureBound(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", 1)
	name := NewSenderKeyName("group-1", alice.addr)
	if _, err := alice.proto.GroupSessionBuilder().Create(ctx, name); err != nil {
		t.Fatalf("Create: %v", err)
	}
	own := senderState(t, alice.store, name)
	signing, err := DeserializePrivateKey(own.SigningPrivate)
	if err != nil {
		t.Fatalf("DeserializePrivateKey: %v", err)
	}

	// messageAt forges a correctly signed message at an arbitrary iteration.
	messageAt := func(iteration uint32) []byte {
		ck := own.ChainKey
		for ck.Index < iteration {
			ck = ck.Next()
		}
		key, err := DeriveSenderMessageKey(ck.MessageSeed(), iteration)
		if err != nil {
			t.Fatalf("DeriveSenderMessageKey: %v", err)
		}
		ct, err := encryptForTest(key, []byte("far"))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		msg, err := newSenderKeyMessage(own.KeyID, iteration, ct, signing)
		if err != nil {
			t.Fatalf("newSenderKeyMessage: %v", err)
		}
		return msg.Serialize()
	}

	tests := []struct {
		iteration uint32
		ok        bool
	}{
		{MaxMessageKeys, true},
		{MaxMessageKeys + 1, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.iteration), func(t *testing.T) {
			bob := newParty(t, "bob", 2)
			skdm := NewSenderKeyDistributionMessage(own.KeyID, 0, own.ChainKey.Key, signing.PublicKey())
			if err := bob.proto.GroupSessionBuilder().Process(ctx, name, skdm); err != nil {
				t.Fatalf("Process: %v", err)
			}
			pt, err := bob.proto.GroupCipher(name).Decrypt(ctx, messageAt(tt.iteration))
			if tt.ok {
				if err != nil || string(pt) != "far" {
					t.Fatalf("Decrypt = %q, %v", pt, err)
				}
				return
			}
			if !errors.Is(err, ErrKeyTooFarInFuture) || KindOf(err) != KindFutureKeyOutOfBounds {
				t.Fatalf("err = %v, want ErrKeyTooFarInFuture", err)
			}
			if st := senderState(t, bob.store, name); st.ChainKey.Index != 0 || st.MessageKeys.Len() != 0 {
				t.Error("rejected message changed the stored state")
			}
		})
	}
}

func TestGroupStateCap(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "bob", 2)
	name := NewSenderKeyName("group-1", NewAddress("alice", 1))
	builder := bob.proto.GroupSessionBuilder()

	for id := uint32(1); id <= 6; id++ {
		signing, _ := GenerateKeyPair()
		seed := bytes.Repeat([]byte{byte(id)}, 32)
		if err := builder.Process(ctx, name, NewSenderKeyDistributionMessage(id, 0, seed, signing.PublicKey)); err != nil {
			t.Fatalf("Process %d: %v", id, err)
		}
	}
	r, err := LoadSenderKey(ctx, bob.store, name)
	if err != nil {
		t.Fatalf("LoadSenderKey: %v", err)
	}
	var ids []uint32
	for _, s := range r.States {
		ids = append(ids, s.KeyID)
	}
	if fmt.Sprint(ids) != "[6 5 4 3 2]" {
		t.Errorf("states = %v, want [6 5 4 3 2]", ids)
	}
}

func TestGroupProcessDoesNotDeduplicate(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "bob", 2)
	name := NewSenderKeyName("group-1", NewAddress("alice", 1))
	signing, _ := GenerateKeyPair()
	skdm := NewSenderKeyDistributionMessage(9, 0, make([]byte, 32), signing.PublicKey)
	for range 2 {
		if err := bob.proto.GroupSessionBuilder().Process(ctx, name, skdm); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	r, _ := LoadSenderKey(ctx, bob.store, name)
	if len(r.States) != 2 {
		t.Errorf("states = %d, want 2", len(r.States))
	}
}

func TestGroupDecryptErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no record", func(t *testing.T) {
		sender, _, _, _ := groupPair(t)
		carol := newParty(t, "carol", 3)
		_, err := carol.proto.GroupCipher(sender.name).Decrypt(ctx, groupEncrypt(t, sender, "x"))
		if !errors.Is(err, ErrNoSenderKeyRecord) || KindOf(err) != KindStoreMissRecord {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unknown key id", func(t *testing.T) {
		sender, _, name, _ := groupPair(t)
		carol := newParty(t, "carol", 3)
		signing, _ := GenerateKeyPair()
		other := NewSenderKeyDistributionMessage(12345, 0, make([]byte, 32), signing.PublicKey)
		if err := carol.proto.GroupSessionBuilder().Process(ctx, name, other); err != nil {
			t.Fatalf("Process: %v", err)
		}
		_, err := carol.proto.GroupCipher(name).Decrypt(ctx, groupEncrypt(t, sender, "x"))
		if !errors.Is(err, ErrNoStateForKeyID) || KindOf(err) != KindUnknownKeyID {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		sender, receiver, name, store := groupPair(t)
		ct := groupEncrypt(t, sender, "x")
		ct[len(ct)-5] ^= 0x10
		_, err := receiver.Decrypt(ctx, ct)
		if !errors.Is(err, ErrInvalidSignature) || KindOf(err) != KindAuthenticationFailure {
			t.Errorf("err = %v", err)
		}
		if st := senderState(t, store, name); st.ChainKey.Index != 0 {
			t.Error("rejected message advanced the chain")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		sender, receiver, name, store := groupPair(t)
		ct := groupEncrypt(t, sender, "x")
		ct[len(ct)-SignatureSize-1] ^= 0x10
		_, err := receiver.Decrypt(ctx, ct)
		if KindOf(err) != KindAuthenticationFailure {
			t.Errorf("err = %v", err)
		}
		if st := senderState(t, store, name); st.ChainKey.Index != 0 {
			t.Error("rejected message advanced the chain")
		}
	})
}

func TestGroupCreateIsStable(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", 1)
	name := NewSenderKeyName("group-1", alice.addr)
	builder := alice.proto.GroupSessionBuilder()

	first, err := builder.Create(ctx, name)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	groupEncrypt(t, alice.proto.GroupCipher(name), "advance")
	second, err := builder.Create(ctx, name)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.KeyID != second.KeyID || !first.SigningKey.Equals(second.SigningKey) {
		t.Error("Create replaced an existing sender key")
	}
	if second.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", second.Iteration)
	}

	// A receiver joining late starts at the current iteration.
	bob := newParty(t, "bob", 2)
	if err := bob.proto.GroupSessionBuilder().Process(ctx, name, second); err != nil {
		t.Fatalf("Process: %v", err)
	}
	pt, err := bob.proto.GroupCipher(name).Decrypt(ctx, groupEncrypt(t, alice.proto.GroupCipher(name), "late joiner"))
	if err != nil || string(pt) != "late joiner" {
		t.Errorf("Decrypt = %q, %v", pt, err)
	}
}

func TestGroupEncryptRequiresOwnKey(t *testing.T) {
	_, receiver, _, _ := groupPair(t)
	if _, err := receiver.Encrypt(context.Background(), []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}
