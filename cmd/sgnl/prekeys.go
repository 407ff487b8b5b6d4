package main

import (
	"context"
	"fmt"
	"os"

	client "github.com/gwillem/signal-session"
)

type preKeysCommand struct {
	Count int    `short:"n" long:"count" description:"Number of one-time pre-keys (default: pre_keys.batch_size from config)"`
	Out   string `short:"o" long:"out" description:"Write the bundle JSON to this file instead of stdout"`
}

func (cmd *preKeysCommand) Execute(args []string) error {
	r, cfg := openRepo()
	defer r.Close()

	count := cmd.Count
	if count == 0 {
		count = cfg.PreKeys.BatchSize
	}
	bundle, err := r.GeneratePreKeys(context.Background(), count)
	if err != nil {
		return err
	}
	data, err := client.MarshalBundle(bundle)
	if err != nil {
		return err
	}

	if cmd.Out != "" {
		if err := os.WriteFile(cmd.Out, data, 0600); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
		fmt.Printf("Generated %d pre-keys, bundle written to %s\n", count, cmd.Out)
		return nil
	}
	fmt.Println(string(data))
	return nil
}
