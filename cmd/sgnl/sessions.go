package main

import "fmt"

type sessionsCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true" description:"Peer service id"`
	} `positional-args:"yes"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	c, err := loadClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.Sessions().HasSession(cmd.Args.Name)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("No session with %s\n", cmd.Args.Name)
		return nil
	}
	devices, err := c.Sessions().SubDeviceSessions(cmd.Args.Name)
	if err != nil {
		return err
	}
	fmt.Printf("Session with %s, linked devices %v\n", cmd.Args.Name, devices)
	return nil
}
