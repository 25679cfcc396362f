// Package memsize parses the human-readable memory size grammars
// membroker's command-line tools accept, translated from mbutil.c's
// parse_n_pages and main.c's parse_memsize.
package memsize

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// PageSize is the unit membroker counts pages in. Linux x86-64's
// EXEC_PAGESIZE.
const PageSize = 4096

// ParseServerSize parses the broker daemon's --memsize grammar: a
// positive number with a required suffix of p (pages), M (megabytes)
// or G (gigabytes). Unlike ParseClientAmount, the unit is mandatory:
// an unqualified number is rejected rather than assumed to be pages,
// since a typo in the broker's own startup size is costlier than one
// in a client call.
func ParseServerSize(arg string) (int32, error) {
	if arg == "" {
		return 0, fmt.Errorf("memsize: empty argument")
	}
	unit := arg[len(arg)-1]
	numPart := arg[:len(arg)-1]
	var multiplier int64
	switch unit {
	case 'p':
		multiplier = 1
	case 'M':
		multiplier = (1024 * 1024) / PageSize
	case 'G':
		multiplier = (1024 * 1024 * 1024) / PageSize
	default:
		return 0, fmt.Errorf("memsize: %q has no unit modifier (want p, M or G)", arg)
	}
	num, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memsize: %q is not a number: %w", arg, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("memsize: %q must be positive", arg)
	}
	return int32(num * multiplier), nil
}

// KernelMemTotal reads /proc/meminfo's MemTotal line and returns it in
// bytes, mirroring main.c's get_kernel_mem_total.
func KernelMemTotal() (uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("memsize: reading /proc/meminfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "MemTotal:"))
		if len(fields) != 2 || fields[1] != "kB" {
			return 0, fmt.Errorf("memsize: unexpected MemTotal units in %q", line)
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memsize: parsing MemTotal value: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("memsize: MemTotal not found in /proc/meminfo")
}

// AllExcept computes the --all-except startup size: the kernel's
// reported MemTotal minus a caller-supplied reservation, both
// expressed in ParseServerSize's grammar.
func AllExcept(arg string) (int32, error) {
	except, err := ParseServerSize(arg)
	if err != nil {
		return 0, err
	}
	totalBytes, err := KernelMemTotal()
	if err != nil {
		return 0, err
	}
	totalPages := int32(totalBytes / PageSize)
	return totalPages - except, nil
}

// ClientAmount is a parsed client-side page count, carrying whether it
// needs a live connection to resolve (a percentage of the broker's
// total, per mbutil.c's percentage_of_total_pages).
type ClientAmount struct {
	Pages     int32
	IsPercent bool
	PercentOf float64
}

// ParseClientAmount parses the mbctl grammar: a number with an
// optional suffix of p (pages, the default when no suffix is given),
// k/K (kilobytes), m/M (megabytes), g/G (gigabytes), or % (percentage
// of the broker's advertised total, resolved later against a live
// TOTAL query since connecting here would require the caller to have
// already dialed the broker).
func ParseClientAmount(arg string) (ClientAmount, error) {
	if arg == "" {
		return ClientAmount{}, fmt.Errorf("amount: empty argument")
	}
	last := arg[len(arg)-1]
	if last >= '0' && last <= '9' {
		d, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return ClientAmount{}, fmt.Errorf("amount: bad amount %q: %w", arg, err)
		}
		return ClientAmount{Pages: checkPages(d)}, checkPagesErr(d)
	}

	d, err := strconv.ParseFloat(arg[:len(arg)-1], 64)
	if err != nil {
		return ClientAmount{}, fmt.Errorf("amount: bad amount %q: %w", arg, err)
	}

	switch last {
	case 'p':
		return ClientAmount{Pages: checkPages(d)}, checkPagesErr(d)
	case 'g', 'G':
		d *= 1024
		fallthrough
	case 'm', 'M':
		d *= 1024
		fallthrough
	case 'k', 'K':
		d *= 1024
		return ClientAmount{Pages: int32(d / PageSize)}, nil
	case '%':
		if d < 0 || d > 100 {
			return ClientAmount{}, fmt.Errorf("amount: percentage %g is out of range [0, 100]", d)
		}
		return ClientAmount{IsPercent: true, PercentOf: d}, nil
	default:
		return ClientAmount{}, fmt.Errorf("amount: unknown multiplier %q", string(last))
	}
}

func checkPages(d float64) int32 {
	return int32(d)
}

func checkPagesErr(d float64) error {
	if d != float64(int32(d)) {
		return fmt.Errorf("amount: can't use a fractional number of pages (%g)", d)
	}
	return nil
}

// ResolvePercent turns a percentage ClientAmount into a page count
// given the broker's live total, mirroring percentage_of_total_pages.
func (c ClientAmount) ResolvePercent(total int32) int32 {
	return int32(c.PercentOf * float64(total) / 100.0)
}

// Humanize renders a page count the way mbctl's diagnostic output
// does, as both a page count and a human-readable byte size.
func Humanize(pages int32) string {
	bytes := uint64(pages) * PageSize
	return fmt.Sprintf("%d p (%s)", pages, humanize.IBytes(bytes))
}
