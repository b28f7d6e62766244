package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type storageCommand struct{}

func (cmd *storageCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.SyncStorage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Manifest v%d -> v%d, %d writes\n", res.PreviousVersion, res.Version, res.RemoteWrites)
	if m := res.Merge; m != nil {
		fmt.Printf("  Local:  %d contact inserts, %d contact updates, %d group inserts, %d group updates\n",
			len(m.LocalContactInserts), len(m.LocalContactUpdates), len(m.LocalGroupV1Inserts), len(m.LocalGroupV1Updates))
		fmt.Printf("  Remote: %d inserts, %d updates\n", len(m.RemoteInserts), len(m.RemoteUpdates))
	}
	if res.KeyUpdates > 0 {
		fmt.Printf("  Rotated %d contact keys\n", res.KeyUpdates)
	}
	return nil
}

type runJobsCommand struct{}

func (cmd *runJobsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.RunJobs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d jobs done, %d left for retry\n", stats.Done, stats.Retried)
	return nil
}
