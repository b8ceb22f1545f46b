package logging

import (
	"fmt"
	"net"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Base TaskMux ASCII art logo.
var logoLines = [6]string{
	`  _____         _    __  __            `,
	` |_   _|_ _ ___| | _|  \/  |_   ___  __`,
	`   | |/ _` + "`" + ` / __| |/ / |\/| | | | \ \/ /`,
	`   | | (_| \__ \   <| |  | | |_| |>  < `,
	`   |_|\__,_|___/_|\_\_|  |_|\__,_/_/\_\`,
	`                                        `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var brokerArt = [6]string{
	`  ____            _             `,
	` | __ ) _ __ ___ | | _____ _ __ `,
	` |  _ \| '__/ _ \| |/ / _ \ '__|`,
	` | |_) | | | (_) |   <  __/ |   `,
	` |____/|_|  \___/|_|\_\___|_|   `,
	`                                `,
}

var runnerArt = [6]string{
	`  ____                              `,
	` |  _ \ _   _ _ __  _ __   ___ _ __ `,
	` | |_) | | | | '_ \| '_ \ / _ \ '__|`,
	` |  _ <| |_| | | | | | | |  __/ |   `,
	` |_| \_\__,_|_| |_|_| |_|\___|_|    `,
	`                                    `,
}

var standaloneArt = [6]string{
	`  ____  _                  _       _                  `,
	` / ___|| |_ __ _ _ __   __| | __ _| | ___  _ __   ___ `,
	` \___ \| __/ _` + "`" + ` | '_ \ / _` + "`" + ` |/ _` + "`" + ` | |/ _ \| '_ \ / _ \`,
	`  ___) | || (_| | | | | (_| | (_| | | (_) | | | |  __/`,
	` |____/ \__\__,_|_| |_|\__,_|\__,_|_|\___/|_| |_|\___|`,
	`                                                       `,
}

// PrintBanner prints the TaskMux ASCII art logo with mode-specific
// art appended to the right. Below the art it prints version and
// listen address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "broker":
		modeArt = &brokerArt
		modeColor = green
	case "runner":
		modeArt = &runnerArt
		modeColor = yellow
	default: // standalone
		modeArt = &standaloneArt
		modeColor = magenta
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// PrintAccessURL prints the HTTP URL the broker is reachable on,
// resolving an empty listen host to localhost.
func PrintAccessURL(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "  %saccess%s %s%s%s\n\n", dim, reset, bold+cyan, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  access %s\n\n", url)
	}
}
