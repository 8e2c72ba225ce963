// Command bcfsdebug is an operator CLI for exploring the bucket accounting
// core against a synthetic, in-memory device set built from a config file:
// inspect bucket marks, dump usage counters, and simulate reservation
// acquire/release, either as one-shot subcommands or through an
// interactive REPL.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/flowdalic/bcachefs-accounting/internal/bcfsconfig"
	"github.com/flowdalic/bcachefs-accounting/pkg/fs"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the testable entry point: parse global flags, load config,
// build the simulator, dispatch to a subcommand.
func Run(args []string, out, errOut io.Writer) int {
	globalFlags := flag.NewFlagSet("bcfsdebug", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "show help")
	flagConfig := globalFlags.StringP("config", "c", "", "config file path (defaults baked in if absent)")

	if err := globalFlags.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		printGlobalUsage(errOut)

		return 1
	}

	commands := allCommands()

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	rest := globalFlags.Args()

	if *flagHelp || len(rest) == 0 {
		printGlobalUsage(out)

		if len(rest) == 0 && !*flagHelp {
			return 1
		}

		return 0
	}

	cfg, err := bcfsconfig.Load(fs.NewReal(), *flagConfig)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	sim, err := NewSimulator(cfg)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	cmdName := rest[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fmt.Fprintln(errOut, "error: unknown command:", cmdName)
		printGlobalUsage(errOut)

		return 1
	}

	cmdIO := NewIO(out, errOut)
	exit := cmd.Run(cmdIO, sim, rest[1:])

	if finishExit := cmdIO.Finish(); finishExit != 0 {
		return finishExit
	}

	return exit
}

func printGlobalUsage(w io.Writer) {
	fmt.Fprintln(w, "bcfsdebug - bucket accounting simulator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bcfsdebug [-c config.jsonc] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	for _, cmd := range allCommands() {
		fmt.Fprintln(w, cmd.HelpLine())
	}
}
