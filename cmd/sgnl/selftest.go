package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	client "github.com/gwillem/signal-session"
)

type selftestCommand struct {
	Message string `short:"m" long:"message" default:"selftest" description:"Message to exchange"`
	Rounds  int    `short:"r" long:"rounds" default:"3" description:"Ping-pong rounds"`
}

func (cmd *selftestCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return runSelftest(ctx, os.Stdout, cmd.Message, cmd.Rounds, loggerOpts(opts.Verbose)...)
}

// runSelftest sets up two in-memory parties and checks that pairwise and
// group messages survive a round trip, including out-of-order delivery.
func runSelftest(ctx context.Context, w io.Writer, text string, rounds int, ropts ...client.Option) error {
	if rounds < 1 {
		return fmt.Errorf("selftest: rounds must be at least 1")
	}
	start := time.Now()
	aliceJID := uuid.NewString() + ":1@s.whatsapp.net"
	bobJID := uuid.NewString() + ":1@s.whatsapp.net"
	group := uuid.NewString() + "@g.us"

	alice, err := newSelftestParty(aliceJID, ropts)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := newSelftestParty(bobJID, ropts)
	if err != nil {
		return err
	}
	defer bob.Close()

	fmt.Fprintf(w, "=== Pairwise ===\n")
	bundle, err := bob.GeneratePreKeys(ctx, 1)
	if err != nil {
		return err
	}
	if err := alice.InjectSession(ctx, bobJID, bundle); err != nil {
		return err
	}

	exchange := func(from, to *client.Repository, fromJID, toJID, body string) error {
		typ, ct, err := from.EncryptMessage(ctx, toJID, []byte(body))
		if err != nil {
			return err
		}
		pt, err := to.DecryptMessage(ctx, fromJID, typ, ct)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", typ, err)
		}
		if string(pt) != body {
			return fmt.Errorf("got %q, want %q", pt, body)
		}
		fmt.Fprintf(w, "  %-5s %d bytes ok\n", typ, len(ct))
		return nil
	}
	for i := range rounds {
		body := fmt.Sprintf("%s-%d", text, i)
		if err := exchange(alice, bob, aliceJID, bobJID, body); err != nil {
			return fmt.Errorf("alice to bob: %w", err)
		}
		if err := exchange(bob, alice, bobJID, aliceJID, body); err != nil {
			return fmt.Errorf("bob to alice: %w", err)
		}
	}

	// Deliver a burst in reverse order.
	type sealed struct {
		typ string
		ct  []byte
	}
	var burst []sealed
	for i := range 3 {
		typ, ct, err := alice.EncryptMessage(ctx, bobJID, fmt.Appendf(nil, "%s-burst-%d", text, i))
		if err != nil {
			return err
		}
		burst = append(burst, sealed{typ, ct})
	}
	for i := len(burst) - 1; i >= 0; i-- {
		if _, err := bob.DecryptMessage(ctx, aliceJID, burst[i].typ, burst[i].ct); err != nil {
			return fmt.Errorf("out-of-order message %d: %w", i, err)
		}
	}
	fmt.Fprintf(w, "  out-of-order burst of %d ok\n", len(burst))

	fmt.Fprintf(w, "=== Group %s ===\n", group)
	var sent []*client.GroupMessage
	for i := range rounds {
		msg, err := alice.EncryptGroupMessage(ctx, group, fmt.Appendf(nil, "%s-group-%d", text, i))
		if err != nil {
			return err
		}
		sent = append(sent, msg)
	}
	if err := bob.ProcessSenderKeyDistributionMessage(ctx, group, aliceJID, sent[0].DistributionMessage); err != nil {
		return err
	}
	for i, msg := range sent {
		pt, err := bob.DecryptGroupMessage(ctx, group, aliceJID, msg.Ciphertext)
		if err != nil {
			return fmt.Errorf("group message %d: %w", i, err)
		}
		fmt.Fprintf(w, "  skmsg %q ok\n", pt)
	}

	fmt.Fprintf(w, "=== Result ===\nSUCCESS in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func newSelftestParty(jid string, ropts []client.Option) (*client.Repository, error) {
	r, err := client.NewRepository(append([]client.Option{client.WithBackend("memory")}, ropts...)...)
	if err != nil {
		return nil, err
	}
	if _, err := r.Init(jid); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}
