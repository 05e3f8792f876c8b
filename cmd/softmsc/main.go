// Command softmsc exposes SD/MMC cards and disk images as a USB mass
// storage device.
//
// Usage:
//
//	softmsc [global options] <command> [options]
//
// Commands:
//
//	probe  -config FILE                         identify every unit and print it
//	read   -config FILE -lun N -lba L -count C -o FILE
//	write  -config FILE -lun N -lba L -i FILE
//	serve  -config FILE -bus DIR [-metrics ADDR] run the driver on a FIFO bus
//
// Global options:
//
//	-v                  Enable verbose (debug) logging
//	-log-format FORMAT  text, json or zap (default: text)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"probe", "identify every configured unit", runProbe},
	{"read", "copy blocks of a unit to a file", runRead},
	{"write", "copy a file to blocks of a unit", runWrite},
	{"serve", "run the mass storage driver on a FIFO bus", runServe},
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: softmsc [options] <command> [command options]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-6s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(os.Stderr, "\nOptions:")
	flag.PrintDefaults()
}

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	logFormat := flag.String("log-format", formatText, "log format: text, json or zap")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if err := setupLogging(*verbose, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == flag.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "softmsc: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.run(ctx, flag.Args()[1:])
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "softmsc %s: %v\n", cmd.name, err)
		stop()
		os.Exit(1)
	}
}

// newFlagSet returns a flag set for a command with the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("softmsc "+name, flag.ContinueOnError)
	config := fs.String("config", "units.yaml", "unit configuration file")
	return fs, config
}
