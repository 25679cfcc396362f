package main

// mbctl is a thin command-line client for membroker: register as a
// sink, perform one request/reserve/query/return, and (for
// request/reserve) hold the pages until killed, mirroring mbutil.c.

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"go.fuchsia.dev/membroker/client"
	"go.fuchsia.dev/membroker/internal/memsize"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&requestCmd{reserve: false}, "")
	subcommands.Register(&requestCmd{reserve: true}, "")
	subcommands.Register(&queryCmd{}, "")
	subcommands.Register(&returnCmd{}, "")
	subcommands.Register(&statusCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// resolveAmount parses a memsize.ParseClientAmount argument, resolving
// a percentage against the broker's live total if needed.
func resolveAmount(c *client.Client, arg string) (int32, error) {
	amount, err := memsize.ParseClientAmount(arg)
	if err != nil {
		return 0, err
	}
	if !amount.IsPercent {
		return amount.Pages, nil
	}
	total, err := c.QueryTotal()
	if err != nil {
		return 0, fmt.Errorf("querying total to resolve percentage: %w", err)
	}
	return amount.ResolvePercent(total), nil
}

type requestCmd struct {
	reserve bool
}

func (c *requestCmd) Name() string {
	if c.reserve {
		return "reserve"
	}
	return "request"
}

func (c *requestCmd) Synopsis() string {
	if c.reserve {
		return "reserve AMOUNT pages all-or-nothing, then hold them"
	}
	return "request up to AMOUNT pages, then hold what's granted"
}

func (c *requestCmd) Usage() string {
	return fmt.Sprintf("%s AMOUNT\n  AMOUNT is a number with an optional p/k/K/m/M/g/G/%% suffix (default pages).\n", c.Name())
}

func (c *requestCmd) SetFlags(*flag.FlagSet) {}

func (c *requestCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	mb, err := client.RegisterDefault(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}

	pages, err := resolveAmount(mb, f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}
	if pages <= 0 {
		fmt.Fprintf(os.Stderr, "mbctl: ignoring amount <= 0 (%d)\n", pages)
		return subcommands.ExitSuccess
	}

	var got int32
	if c.reserve {
		got, err = mb.ReservePages(pages)
	} else {
		got, err = mb.RequestPages(pages)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %s failed: %v\n", c.Name(), err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Got %s of %s\n", memsize.Humanize(got), memsize.Humanize(pages))
	if got == 0 {
		fmt.Fprintf(os.Stderr, "mbctl: %s of %s failed\n", c.Name(), memsize.Humanize(pages))
		return subcommands.ExitFailure
	}

	fmt.Println("Interrupt (^C) to release memory to membroker.")
	select {} // hold the pages until killed; the broker reclaims on disconnect
}

type queryCmd struct{}

func (*queryCmd) Name() string             { return "query" }
func (*queryCmd) Synopsis() string         { return "print available, total and held pages, then exit" }
func (*queryCmd) Usage() string            { return "query\n" }
func (*queryCmd) SetFlags(*flag.FlagSet)   {}

func (*queryCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mb, err := client.Register(int32(os.Getpid()), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}
	defer mb.Terminate()

	total, err := mb.QueryTotal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: query total: %v\n", err)
		return subcommands.ExitFailure
	}
	server, err := mb.QueryServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: query server: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("total   %s\n", memsize.Humanize(total))
	fmt.Printf("server  %s\n", memsize.Humanize(server))
	fmt.Printf("client  %s\n", memsize.Humanize(mb.Query()))
	return subcommands.ExitSuccess
}

type returnCmd struct{}

func (*returnCmd) Name() string           { return "return" }
func (*returnCmd) Synopsis() string       { return "return AMOUNT held pages to the broker" }
func (*returnCmd) Usage() string          { return "return AMOUNT\n" }
func (*returnCmd) SetFlags(*flag.FlagSet) {}

func (*returnCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "return AMOUNT")
		return subcommands.ExitUsageError
	}
	mb, err := client.RegisterDefault(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}
	pages, err := resolveAmount(mb, f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := mb.ReturnPages(pages); err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: return failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type statusCmd struct{}

func (*statusCmd) Name() string           { return "status" }
func (*statusCmd) Synopsis() string       { return "ask the broker to log its current status" }
func (*statusCmd) Usage() string          { return "status\n" }
func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mb, err := client.Register(int32(os.Getpid()), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: %v\n", err)
		return subcommands.ExitFailure
	}
	defer mb.Terminate()
	if err := mb.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "mbctl: status: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
