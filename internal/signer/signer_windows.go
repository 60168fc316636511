//go:build windows

package signer

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/term"
)

// buildPassphraseCmd wires the passphrase into openssl via a randomly
// named environment variable, since openssl on Windows cannot read a
// passphrase from an inherited pipe.
func buildPassphraseCmd(name string, args []string, passphrase string) (*exec.Cmd, func(), error) {
	cmd := exec.Command(name, args...)
	if passphrase == "" {
		return cmd, func() {}, nil
	}

	envVar := newWindowsEnvVar()
	cmd.Env = append(os.Environ(), envVar+"="+passphrase)
	cmd.Args = append(cmd.Args, "-passin", "env:"+envVar)

	return cmd, func() {}, nil
}

func readPassword() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
