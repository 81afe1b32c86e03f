// arc is the ARC client CLI: dial a server, authenticate, run one command,
// relay its stdio, and exit with its exit status — the cobra-based
// counterpart to the teacher's flag-driven hkexsh.go, narrowed to ARC's
// single-command-per-invocation model (no shell, no file copy).
package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/client"
)

var (
	serverAddr string
	mechanism  string
	username   string
	password   string
	trace      string
	timeoutSec int
)

func main() {
	root := &cobra.Command{
		Use:     "arc",
		Short:   "ARC client",
		Version: arc.Version,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:"+arc.DefaultPort, "server address")
	root.PersistentFlags().StringVarP(&mechanism, "mechanism", "m", "PLAIN", "SASL mechanism (PLAIN|ANONYMOUS)")
	root.PersistentFlags().StringVarP(&username, "user", "u", currentOSUser(), "PLAIN username")
	root.PersistentFlags().StringVarP(&password, "password", "P", "", "PLAIN password (prompted if omitted and stdin is a terminal)")
	root.PersistentFlags().StringVarP(&trace, "trace", "t", "", "ANONYMOUS trace token, e.g. an email address")
	root.PersistentFlags().IntVar(&timeoutSec, "timeout", 30, "per-operation timeout, seconds")

	runCmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "run one command on the server and relay its stdio",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arc:", err)
		os.Exit(1)
	}
}

func currentOSUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return ""
}

func runRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	cmdArgs := strings.Join(args[1:], " ")

	timeout := time.Duration(timeoutSec) * time.Second
	cl, err := client.Dial(serverAddr, arc.V21, timeout)
	if err != nil {
		return err
	}
	defer cl.Close()

	creds := client.Credentials{Mechanism: strings.ToUpper(mechanism), Username: username, Trace: trace}
	if creds.Mechanism == "PLAIN" {
		creds.Password = resolvePassword()
	}

	if err := cl.Authenticate(creds); err != nil {
		return err
	}

	res, err := cl.Run(name, cmdArgs, os.Stdin, os.Stdout)
	if err != nil {
		_ = cl.Quit()
		return err
	}
	_ = cl.Quit()

	if res.ExitStatus != 0 {
		os.Exit(res.ExitStatus)
	}
	return nil
}

// resolvePassword uses an explicit -P flag if given, otherwise prompts on
// the controlling terminal without echo (golang.org/x/term), mirroring
// hkexsh.go's interactive password entry; a non-terminal stdin (piped or
// scripted invocation) falls back to an empty password rather than
// blocking forever.
func resolvePassword() string {
	if password != "" {
		return password
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return ""
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", username, serverAddr)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(b)
}
