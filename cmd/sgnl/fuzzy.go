package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gwillem/signal-state/internal/phonenumber"
)

type fuzzyCommand struct {
	Args struct {
		Numbers []string `positional-arg-name:"number" required:"1"`
	} `positional-args:"yes"`
}

func (cmd *fuzzyCommand) Execute(args []string) error {
	valid := slices.Sorted(maps.Keys(phonenumber.Sanitize(cmd.Args.Numbers)))
	in := phonenumber.GenerateInput(valid, nil)
	for _, n := range cmd.Args.Numbers {
		if !phonenumber.Valid(n) {
			fmt.Printf("%s\tinvalid\n", n)
			continue
		}
		if alt, ok := in.Fuzzies[n]; ok {
			fmt.Printf("%s\t%s\n", n, alt)
		} else {
			fmt.Printf("%s\t-\n", n)
		}
	}
	return nil
}
