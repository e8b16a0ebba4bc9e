// Command marketctl operates a marketplace instance stored in a local data
// directory. Every command prints its result as JSON on stdout; failures print
// "error: <Code>: <message>" on stderr and exit with status 1.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rlfmarket/native/market"
)

var marketNow = time.Now

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("MARKETCTL_CONFIG")); path != "" {
		return path
	}
	return "marketctl.toml"
}

func usage() string {
	var b strings.Builder
	b.WriteString("Usage: marketctl [--config path] <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(&b, "  %-17s %s\n", cmd.name, cmd.summary)
	}
	b.WriteString("\nRun 'marketctl <command> --help' for command flags.")
	return b.String()
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("marketctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", defaultConfigPath(), "path to the TOML config file")
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := lookupCommand(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(*configPath, stderr)
	if err != nil {
		return printError(stderr, err)
	}
	defer a.Close()

	result, err := cmd.run(&env{ctx: ctx, app: a, stderr: stderr}, rest[1:])
	if err != nil {
		if errors.Is(err, errUsage) {
			return 1
		}
		a.logger.Warn("command failed", "command", cmd.name, "code", market.Code(err), "error", err.Error())
		return printError(stderr, err)
	}
	return printJSON(stdout, stderr, result)
}

func printError(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %s: %v\n", market.Code(err), err)
	return 1
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return printError(stderr, err)
	}
	return 0
}
