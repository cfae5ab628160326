// Package flag is cmd/sandboxctl's command-line surface: a CLI struct of
// kong-tagged subcommands (Run, Probe), parsed by Parse and dispatched
// through the returned kong context's Run.
// ParseSize parses a guest memory size given as number[gGmMkK].
package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// RunCMD boots a sandbox over the named guest image and invokes one
// guest function.
type RunCMD struct {
	GuestImage   string `short:"g" required:"" help:"path of the flat guest image to load"`
	MemSize      string `default:"256M" short:"m" help:"guest memory size: as number[gGmMkK]"`
	FunctionName string `default:"Noop" short:"f" help:"name of the guest function to invoke"`
	TimeoutMS    int    `default:"5000" short:"T" help:"guest call timeout in milliseconds, 0 disables it"`
}

// ProbeCMD reports whether a usable hypervisor is present.
type ProbeCMD struct{}

// CLI is the kong root command.
type CLI struct {
	Run   RunCMD   `cmd:"" help:"boot a sandbox and call one guest function"`
	Probe ProbeCMD `cmd:"" help:"report whether a usable hypervisor is present"`
}

// Parse parses os.Args into a CLI and returns the matched subcommand's
// kong context.
func Parse() (*CLI, *kong.Context, error) {
	c := &CLI{}

	ctx := kong.Parse(c,
		kong.Name("sandboxctl"),
		kong.Description("sandboxctl boots a microvm sandbox and drives its guest function calls"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return c, ctx, nil
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if not present in s, unit is used instead.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
