package main

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines a CLI command with unified help generation: a per-command
// pflag.FlagSet plus an Exec closure that runs against the already-parsed
// positional arguments.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Exec  func(io *IO, sim *Simulator, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the one-line summary shown in the top-level help.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints full help for "bcfsdebug <cmd> --help".
func (c *Command) PrintHelp(io *IO) {
	io.Println("Usage: bcfsdebug", c.Usage)
	io.Println()
	io.Println(c.Short)

	if c.Flags != nil && c.Flags.HasFlags() {
		io.Println()
		io.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		io.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command, returning the process exit
// code.
func (c *Command) Run(io *IO, sim *Simulator, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(io)
			return 0
		}

		io.ErrPrintln("error:", err)
		c.PrintHelp(io)

		return 1
	}

	if err := c.Exec(io, sim, c.Flags.Args()); err != nil {
		io.ErrPrintln("error:", err)
		return 1
	}

	return 0
}
