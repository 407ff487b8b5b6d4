package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gwillem/signal-session/internal/libsignal"
)

type sessionsCommand struct {
	Args struct {
		JID string `positional-arg-name:"jid" description:"Show the session record for this JID"`
	} `positional-args:"yes"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	ctx := context.Background()
	r, _ := openRepo()
	defer r.Close()

	if cmd.Args.JID == "" {
		addrs, err := r.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, addr := range addrs {
			fmt.Println(addr)
		}
		return nil
	}

	record, err := r.SessionRecord(ctx, cmd.Args.JID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no session with %s", cmd.Args.JID)
	}
	printRecord(os.Stdout, record)
	return nil
}

func printRecord(w io.Writer, record *libsignal.SessionRecord) {
	for i, s := range record.Sessions {
		baseKey := "theirs"
		if s.IndexInfo.BaseKeyType == libsignal.BaseKeyOurs {
			baseKey = "ours"
		}
		fmt.Fprintf(w, "Session %d: %s\n", i, s.State())
		fmt.Fprintf(w, "  base_key: %s (%s)\n", shortHex(s.IndexInfo.BaseKey), baseKey)
		fmt.Fprintf(w, "  remote_registration_id: %d\n", s.RegistrationID)
		fmt.Fprintf(w, "  created: %s\n", formatMillis(s.IndexInfo.Created))
		fmt.Fprintf(w, "  used: %s\n", formatMillis(s.IndexInfo.Used))
		if s.IndexInfo.Closed != 0 {
			fmt.Fprintf(w, "  closed: %s\n", formatMillis(s.IndexInfo.Closed))
		}
		if s.PendingPreKey != nil {
			fmt.Fprintf(w, "  pending_pre_key: signed=%d\n", s.PendingPreKey.SignedKeyID)
		}
		for _, c := range s.Chains {
			kind := "receiving"
			if c.Type == libsignal.ChainSending {
				kind = "sending"
			}
			status := ""
			if c.ChainKey.Key == nil {
				status = " closed"
			}
			fmt.Fprintf(w, "  chain %s %s: index=%d skipped=%d%s\n",
				kind, shortHex(c.RatchetKey), c.ChainKey.Index, c.MessageKeys.Len(), status)
		}
	}
}

func shortHex(b []byte) string {
	if len(b) > 8 {
		b = b[:8]
	}
	return hex.EncodeToString(b)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
