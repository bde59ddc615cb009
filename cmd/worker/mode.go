package main

import (
	"fmt"
	"io"
	"strings"
)

type mode string

const (
	modeDetector mode = "detector"
	modeExecutor mode = "executor"
	modeBoth     mode = "both"
	modeHelp     mode = "help"
)

// parseMode reads the first argument. Anything unrecognised means help.
func parseMode(args []string) mode {
	if len(args) == 0 {
		return modeHelp
	}
	switch m := mode(strings.ToLower(strings.TrimSpace(args[0]))); m {
	case modeDetector, modeExecutor, modeBoth:
		return m
	default:
		return modeHelp
	}
}

func (m mode) runsDetector() bool { return m == modeDetector || m == modeBoth }

func (m mode) runsExecutor() bool { return m == modeExecutor || m == modeBoth }

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: worker <mode>

modes:
  detector   watch the venue for new buy orders and extract payment details
  executor   claim payable orders and perform the transfers
  both       run detector and executor in one process (not recommended)
  help       show this message

configuration is read from CONFIG_PATH (default configs/config.yaml)
`)
}
