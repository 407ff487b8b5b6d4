package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/gwillem/signal-session/internal/libsignal"
)

type inspectCommand struct {
	Type string `short:"t" long:"type" choice:"auto" choice:"pkmsg" choice:"msg" choice:"skmsg" choice:"skdm" default:"auto" description:"Message type"`
	Args struct {
		Base64Content string `positional-arg-name:"base64-content" description:"Base64 encoded message"`
	} `positional-args:"yes" required:"yes"`
}

func (c *inspectCommand) Execute(args []string) error {
	data, err := base64.StdEncoding.DecodeString(c.Args.Base64Content)
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	return inspect(os.Stdout, c.Type, data)
}

// inspect prints the fields of data decoded as typ. With "auto" every type is
// tried in turn and the first that parses wins.
func inspect(w io.Writer, typ string, data []byte) error {
	if typ != "auto" {
		return inspectAs(w, typ, data)
	}
	for _, t := range []string{"pkmsg", "msg", "skdm", "skmsg"} {
		if err := inspectAs(io.Discard, t, data); err == nil {
			return inspectAs(w, t, data)
		}
	}
	return fmt.Errorf("inspect: not a recognised Signal message")
}

func inspectAs(w io.Writer, typ string, data []byte) error {
	switch typ {
	case "pkmsg":
		msg, err := libsignal.DeserializePreKeySignalMessage(data)
		if err != nil {
			return fmt.Errorf("deserialize: %w", err)
		}
		fmt.Fprintf(w, "PreKeySignalMessage:\n")
		fmt.Fprintf(w, "  version: %d\n", msg.Version)
		fmt.Fprintf(w, "  registration_id: %d\n", msg.RegistrationID)
		if msg.PreKeyID != nil {
			fmt.Fprintf(w, "  pre_key_id: %d\n", *msg.PreKeyID)
		} else {
			fmt.Fprintf(w, "  pre_key_id: none\n")
		}
		fmt.Fprintf(w, "  signed_pre_key_id: %d\n", msg.SignedPreKeyID)
		fmt.Fprintf(w, "  base_key: %s\n", hex.EncodeToString(msg.BaseKey.Serialize()))
		fmt.Fprintf(w, "  identity_key: %s\n", hex.EncodeToString(msg.IdentityKey.Serialize()))
		printSignalMessage(w, "  ", msg.Message)
	case "msg":
		msg, err := libsignal.DeserializeSignalMessage(data)
		if err != nil {
			return fmt.Errorf("deserialize: %w", err)
		}
		fmt.Fprintf(w, "SignalMessage:\n")
		printSignalMessage(w, "", msg)
	case "skdm":
		msg, err := libsignal.DeserializeSenderKeyDistributionMessage(data)
		if err != nil {
			return fmt.Errorf("deserialize: %w", err)
		}
		fmt.Fprintf(w, "SenderKeyDistributionMessage:\n")
		fmt.Fprintf(w, "  version: %d\n", msg.Version)
		fmt.Fprintf(w, "  key_id: %d\n", msg.KeyID)
		fmt.Fprintf(w, "  iteration: %d\n", msg.Iteration)
		fmt.Fprintf(w, "  signing_key: %s\n", hex.EncodeToString(msg.SigningKey.Serialize()))
	case "skmsg":
		msg, err := libsignal.DeserializeSenderKeyMessage(data)
		if err != nil {
			return fmt.Errorf("deserialize: %w", err)
		}
		fmt.Fprintf(w, "SenderKeyMessage:\n")
		fmt.Fprintf(w, "  version: %d\n", msg.Version)
		fmt.Fprintf(w, "  key_id: %d\n", msg.KeyID)
		fmt.Fprintf(w, "  iteration: %d\n", msg.Iteration)
		fmt.Fprintf(w, "  ciphertext: %d bytes\n", len(msg.Ciphertext))
	default:
		return fmt.Errorf("inspect: unknown type %q", typ)
	}
	return nil
}

func printSignalMessage(w io.Writer, indent string, msg *libsignal.SignalMessage) {
	if indent != "" {
		fmt.Fprintf(w, "%smessage:\n", indent)
	}
	fmt.Fprintf(w, "%s  version: %d\n", indent, msg.Version)
	fmt.Fprintf(w, "%s  ratchet_key: %s\n", indent, hex.EncodeToString(msg.SenderRatchetKey.Serialize()))
	fmt.Fprintf(w, "%s  counter: %d\n", indent, msg.Counter)
	fmt.Fprintf(w, "%s  previous_counter: %d\n", indent, msg.PreviousCounter)
	fmt.Fprintf(w, "%s  ciphertext: %d bytes\n", indent, len(msg.Ciphertext))
}
