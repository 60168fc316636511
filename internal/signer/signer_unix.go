//go:build !windows

package signer

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/term"
)

// buildPassphraseCmd wires the passphrase into openssl via an inherited
// pipe file descriptor (-passin fd:N), matching
// original_source/avbroot/openssl.py's _passphrase_fd/_PopenPassphraseWrapper
// on non-Windows systems.
func buildPassphraseCmd(name string, args []string, passphrase string) (*exec.Cmd, func(), error) {
	if passphrase == "" {
		return exec.Command(name, args...), func() {}, nil
	}
	if len(passphrase) >= 4096 {
		return nil, nil, fmt.Errorf("passphrase is too long")
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.WriteString(passphrase + "\n"); err != nil {
		w.Close()
		r.Close()
		return nil, nil, err
	}
	w.Close()

	newArgs := append(append([]string{}, args...), "-passin", fmt.Sprintf("fd:%d", 3))
	cmd := exec.Command(name, newArgs...)
	cmd.ExtraFiles = []*os.File{r}

	cleanup := func() { r.Close() }
	return cmd, cleanup, nil
}

func readPassword() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
