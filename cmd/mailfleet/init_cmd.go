package main

import (
	"fmt"
	"os"

	"github.com/emx-mail/mailfleet/pkgs/config"
)

func handleInit(configPath string, args []string) error {
	path := configPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path == "" {
		path = "mailfleet.yaml"
	}

	if err := config.WriteExample(path); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", path)
	if os.Getenv(config.EnvConfigPath) == "" {
		fmt.Printf("Tip: set %s=%s or pass --config to use this file.\n", config.EnvConfigPath, path)
	}
	fmt.Println("Please edit the file to add your account credentials.")
	fmt.Println("Accounts with 'keyring: true' read their password from 'mailfleet password set <account>'.")
	return nil
}
