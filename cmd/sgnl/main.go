// Command sgnl maintains the local Signal state database.
//
// Usage:
//
//	sgnl init                  Store account credentials in a new database
//	sgnl refresh-directory     Check known and address book numbers
//	sgnl lookup <number>       Refresh a single number
//	sgnl storage-sync          Reconcile contacts with the storage service
//	sgnl run-jobs              Work through queued follow-up jobs
//	sgnl sessions <name>       List devices with an open session
//	sgnl fuzzy <number>...     Show the alternates queried for numbers
package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/signal-state"
	"github.com/gwillem/signal-state/internal/config"
	"github.com/gwillem/signal-state/internal/signalservice"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file (default $SIGNAL_DB or the data directory)"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init     initCommand     `command:"init" description:"Store account credentials in a new database"`
	Refresh  refreshCommand  `command:"refresh-directory" description:"Check known and address book numbers against the directory"`
	Lookup   lookupCommand   `command:"lookup" description:"Refresh the registration state of one number"`
	Storage  storageCommand  `command:"storage-sync" description:"Reconcile contacts with the storage service"`
	RunJobs  runJobsCommand  `command:"run-jobs" description:"Work through queued follow-up jobs"`
	Sessions sessionsCommand `command:"sessions" description:"List devices with an open session for a peer"`
	Fuzzy    fuzzyCommand    `command:"fuzzy" description:"Show the alternate numbers queried for Mexican numbers"`
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

func clientOpts() ([]client.Option, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var tc *tls.Config
	if cfg.CAFile != "" {
		if tc, err = signalservice.LoadTLSConfig(cfg.CAFile); err != nil {
			return nil, err
		}
	}

	dbPath := opts.DB
	if dbPath == "" {
		dbPath = cfg.DBPath
	}

	copts := []client.Option{
		client.WithDBPath(dbPath),
		client.WithChatURL(cfg.ChatURL),
		client.WithWebSocketURL(cfg.WebSocketURL),
		client.WithStorageURL(cfg.StorageURL),
		client.WithDirectoryURL(cfg.DirectoryURL),
		client.WithTLSConfig(tc),
		client.WithDirectoryConfig(cfg.Directory()),
		client.WithDiscoveryBatch(cfg.DiscoveryBatch),
		client.WithKeepAlive(cfg.KeepAlive),
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts, nil
}

// loadClient opens the configured database.
func loadClient() (*client.Client, error) {
	copts, err := clientOpts()
	if err != nil {
		return nil, err
	}
	c := client.NewClient(copts...)
	if err := c.Open(); err != nil {
		c.Close()
		return nil, fmt.Errorf("open: %w", err)
	}
	return c, nil
}
