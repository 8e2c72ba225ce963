package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	flag "github.com/spf13/pflag"
)

// ReplCmd starts an interactive command loop over the same Command table
// the one-shot invocations use: liner for readline-style input and
// history, a completer over the known verbs.
func ReplCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Start an interactive session against the simulated filesystem",
		Exec: func(ioc *IO, sim *Simulator, _ []string) error {
			return runRepl(ioc, sim)
		},
	}
}

func replHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".bcfsdebug_history")
}

func runRepl(ioc *IO, sim *Simulator) error {
	// Each command owns a pflag.FlagSet that records "was this flag set"
	// state across Parse calls, so the REPL rebuilds a fresh Command per
	// dispatch rather than reusing one FlagSet across loop iterations. The
	// help listing is built once.
	builders := commandBuilders()

	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}

	helpCommands := allCommands()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string

		for _, name := range names {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}

		return out
	})

	if f, err := os.Open(replHistoryFile()); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	ioc.Println("bcfsdebug - bucket accounting simulator")
	ioc.Println("Type 'help' for available commands, 'exit' to quit.")
	ioc.Println()

	for {
		input, err := line.Prompt("bcfsdebug> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				ioc.Println("bye")
				break
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		name, args := fields[0], fields[1:]

		switch name {
		case "exit", "quit", "q":
			ioc.Println("bye")
			saveReplHistory(line)

			return nil
		case "help", "?":
			printReplHelp(ioc, helpCommands)
		default:
			build, ok := builders[name]
			if !ok {
				ioc.Println("unknown command:", name, "(type 'help' for commands)")
				continue
			}

			build().Run(ioc, sim, args)
		}
	}

	saveReplHistory(line)

	return nil
}

func saveReplHistory(line *liner.State) {
	path := replHistoryFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = line.WriteHistory(f)
		_ = f.Close()
	}
}

func printReplHelp(ioc *IO, commands []*Command) {
	ioc.Println("Commands:")

	for _, cmd := range commands {
		if cmd.Name() == "repl" {
			continue
		}

		ioc.Println(cmd.HelpLine())
	}

	ioc.Println("  help                         Show this help")
	ioc.Println("  exit / quit / q              Exit")
}
