// Command sgnl manages a local Signal session store.
//
// Usage:
//
//	sgnl init <jid>           Create the local identity
//	sgnl prekeys              Generate pre-keys and print a bundle
//	sgnl inspect <base64>     Decode a Signal wire message
//	sgnl sessions [jid]       List sessions or show one session record
//	sgnl delete-session <jid> Delete the sessions with a JID
//	sgnl selftest             Run an in-memory pairwise and group round trip
package main

import (
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/signal-session"
	"github.com/gwillem/signal-session/internal/config"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to config file (default: $XDG_CONFIG_HOME/signal-session/config.toml)"`
	DB      string `long:"db" description:"Path to database file"`
	Backend string `long:"backend" choice:"sqlite" choice:"bolt" choice:"memory" description:"Store backend"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init          initCommand          `command:"init" description:"Create the local identity for a JID"`
	PreKeys       preKeysCommand       `command:"prekeys" description:"Generate one-time and signed pre-keys and print the bundle"`
	Inspect       inspectCommand       `command:"inspect" description:"Decode and inspect a base64 Signal message"`
	Sessions      sessionsCommand      `command:"sessions" description:"List sessions, or show the session record for a JID"`
	DeleteSession deleteSessionCommand `command:"delete-session" description:"Delete the sessions with one or more JIDs"`
	SelfTest      selftestCommand      `command:"selftest" description:"Run an in-memory pairwise and group round trip"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.Backend != "" {
		cfg.Store.Backend = opts.Backend
	}
	if opts.DB != "" {
		cfg.Store.Path = opts.DB
	}
	if opts.Verbose {
		cfg.Verbose = true
	}
	return cfg, cfg.Validate()
}

func loggerOpts(verbose bool) []client.Option {
	if !verbose {
		return nil
	}
	return []client.Option{client.WithLogger(log.New(os.Stderr, "", log.LstdFlags))}
}

func repoOpts(cfg *config.Config) []client.Option {
	return append([]client.Option{
		client.WithBackend(cfg.Store.Backend),
		client.WithDBPath(cfg.Store.Path),
	}, loggerOpts(cfg.Verbose)...)
}

// openRepo opens the configured repository or exits.
func openRepo() (*client.Repository, *config.Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	r, err := client.NewRepository(repoOpts(cfg)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return r, cfg
}
