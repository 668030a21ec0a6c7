package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptPassword reads a secret without echoing.
func promptPassword(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}
