package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitStorageError = 5
	ExitYearFailed   = 6
)

// Status lines go to stdout, everything else to stderr.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "watch":
		return runWatch(cmdArgs)
	case "history":
		return runHistory(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: aisfetch <command> [options]

Commands:
  fetch     Mirror AIS daily files of the selected years into the data root
  watch     Run fetch on a cron schedule until interrupted
  history   Show recorded runs and downloads

Run 'aisfetch <command> -h' for command-specific help.`)
}
