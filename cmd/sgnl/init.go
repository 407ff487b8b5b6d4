package main

import (
	"encoding/hex"
	"fmt"
	"time"
)

type initCommand struct {
	Args struct {
		JID string `positional-arg-name:"jid" description:"Local address as user[:device]@server"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *initCommand) Execute(args []string) error {
	r, _ := openRepo()
	defer r.Close()

	acct, err := r.Init(cmd.Args.JID)
	if err != nil {
		return err
	}
	identity, err := acct.IdentityKeyPair()
	if err != nil {
		return err
	}

	fmt.Printf("Address:         %s\n", acct.Address())
	fmt.Printf("Registration ID: %d\n", acct.RegistrationID)
	fmt.Printf("Identity key:    %s\n", hex.EncodeToString(identity.PublicKey.Serialize()))
	fmt.Printf("Created:         %s\n", time.UnixMilli(acct.Created).Format(time.RFC3339))
	return nil
}
