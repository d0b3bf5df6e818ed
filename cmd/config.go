package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

const redacted = "********"

func configCommands(e *errandInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := *e.cnf
			for _, secret := range []*string{
				&cfg.Server.SecretKey,
				&cfg.Server.JWTSecret,
				&cfg.Processor.SecretKey,
				&cfg.Messaging.AttachmentSecret,
				&cfg.Storage.SecretAccessKey,
			} {
				if *secret != "" {
					*secret = redacted
				}
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
