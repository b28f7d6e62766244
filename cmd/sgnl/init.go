package main

import (
	"encoding/base64"
	"fmt"

	client "github.com/gwillem/signal-state"
)

type initCommand struct {
	Number    string `long:"number" required:"true" description:"Account phone number in E.164 form"`
	ACI       string `long:"aci" required:"true" description:"Account ACI"`
	Password  string `long:"password" required:"true" description:"Account password"`
	DeviceID  int    `long:"device-id" default:"1" description:"Device id of this client"`
	MasterKey string `long:"master-key" required:"true" description:"Base64 master key (32 bytes)"`
	PreKeys   int    `long:"prekeys" default:"100" description:"Number of one-time pre-keys to generate"`
}

func (cmd *initCommand) Execute(args []string) error {
	mk, err := base64.StdEncoding.DecodeString(cmd.MasterKey)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	copts, err := clientOpts()
	if err != nil {
		return err
	}
	c := client.NewClient(copts...)
	defer c.Close()

	err = c.Setup(&client.Account{
		Number:    cmd.Number,
		ACI:       cmd.ACI,
		Password:  cmd.Password,
		DeviceID:  cmd.DeviceID,
		MasterKey: mk,
	})
	if err != nil {
		return err
	}
	if cmd.PreKeys > 0 {
		if _, err := c.GeneratePreKeys(cmd.PreKeys); err != nil {
			return err
		}
	}
	fmt.Printf("Account %s stored with %d pre-keys\n", cmd.Number, cmd.PreKeys)
	return nil
}
