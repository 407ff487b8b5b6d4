package main

import (
	"context"
	"fmt"
)

type deleteSessionCommand struct {
	Args struct {
		JIDs []string `positional-arg-name:"jid" required:"1" description:"Peers whose sessions to delete"`
	} `positional-args:"yes" required:"yes"`
}

func (cmd *deleteSessionCommand) Execute(args []string) error {
	r, _ := openRepo()
	defer r.Close()

	if err := r.DeleteSession(context.Background(), cmd.Args.JIDs...); err != nil {
		return err
	}
	fmt.Printf("Deleted %d session(s)\n", len(cmd.Args.JIDs))
	return nil
}
