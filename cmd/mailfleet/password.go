package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/emx-mail/mailfleet/pkgs/credential"
)

func handlePassword(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mailfleet password set|delete <account>")
	}
	action, name := args[0], args[1]

	store, err := credential.Open()
	if err != nil {
		return err
	}
	key := credential.AccountKey(name)

	switch action {
	case "set":
		pw, err := readPassword(fmt.Sprintf("Password for %s: ", name))
		if err != nil {
			return err
		}
		if pw == "" {
			return fmt.Errorf("empty password")
		}
		if err := store.Set(key, pw); err != nil {
			return err
		}
		fmt.Printf("Stored password for %s\n", name)
	case "delete":
		if err := store.Delete(key); err != nil {
			return err
		}
		fmt.Printf("Removed password for %s\n", name)
	default:
		return fmt.Errorf("unknown action '%s'", action)
	}
	return nil
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
