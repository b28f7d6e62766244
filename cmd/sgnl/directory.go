package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

type refreshCommand struct {
	Contacts string `long:"contacts" description:"File with one address book number per line"`
	Args     struct {
		Numbers []string `positional-arg-name:"number"`
	} `positional-args:"yes"`
}

func (cmd *refreshCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	numbers := cmd.Args.Numbers
	if cmd.Contacts != "" {
		more, err := readLines(cmd.Contacts)
		if err != nil {
			return err
		}
		numbers = append(numbers, more...)
	}

	c, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := c.RefreshDirectory(ctx, numbers)
	if err != nil {
		return err
	}
	fmt.Printf("Queried:         %d\n", out.Queried)
	fmt.Printf("Registered:      %d\n", out.Registered)
	fmt.Printf("Inactive:        %d\n", out.Inactive)
	fmt.Printf("Possibly active: %d\n", out.PossiblyActive)
	fmt.Printf("Rewritten:       %d\n", out.Rewrites)
	fmt.Printf("Ignored:         %d\n", out.Ignored)
	if len(out.Retries) > 0 {
		fmt.Printf("Profile retries queued for %d recipients\n", len(out.Retries))
	}
	for _, id := range out.NewUsers {
		fmt.Printf("New user: recipient %d\n", id)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

type lookupCommand struct {
	Args struct {
		Number string `positional-arg-name:"number" required:"true"`
	} `positional-args:"yes"`
}

func (cmd *lookupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	r, err := c.LookupNumber(ctx, cmd.Args.Number)
	if err != nil {
		return err
	}
	fmt.Printf("Recipient %d\n", r.ID)
	fmt.Printf("  Number:     %s\n", r.E164)
	if r.HasACI() {
		fmt.Printf("  ACI:        %s\n", r.ACI)
	}
	fmt.Printf("  Registered: %s\n", r.Registered)
	return nil
}
