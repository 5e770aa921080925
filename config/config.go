// Package config collects VMKit's boot-time configuration from the
// command line using pflag, mirroring the -X:gc:<key>=<value> style of
// raw, plan-opaque GC tuning flags (spec §10.3).
//
// Grounded on spf13/pflag's own FlagSet idiom; no pack repo exercises
// pflag directly, so this package follows the library's canonical
// construction pattern.
package config

import (
	"strings"

	"github.com/spf13/pflag"
)

// Config holds every flag VMKit's boot path understands before handing
// control to a GCPlan.
type Config struct {
	// GCArgs collects every -X:gc:<key>=<value> flag verbatim; VMKit never
	// interprets these itself; it passes them through to GCPlan.Boot so
	// each plan can define its own tuning surface (spec §4.F, §10.3).
	GCArgs *[]string

	// HeapSize is the initial heap size in bytes, interpreted by the
	// active GCPlan.
	HeapSize *uint64

	// MaxHeapSize bounds heap growth in bytes; zero means unbounded.
	MaxHeapSize *uint64

	// MetricsAddr, when non-empty, is the address an HTTP server exposing
	// /metrics should bind to. Empty disables metrics entirely.
	MetricsAddr *string

	// LogLevel names the logrus level ("debug", "info", "warn", "error")
	// VMKit's loggers are configured at.
	LogLevel *string

	flags *pflag.FlagSet
}

// New registers VMKit's flags on a fresh FlagSet named name and returns the
// Config whose fields become populated once the caller calls Parse.
func New(name string) *Config {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c := &Config{flags: fs}
	c.GCArgs = fs.StringArray("X:gc", nil, "raw gc-plan tuning argument, format key=value; may be repeated")
	c.HeapSize = fs.Uint64("heap-size", 64<<20, "initial heap size in bytes")
	c.MaxHeapSize = fs.Uint64("max-heap-size", 0, "maximum heap size in bytes, 0 for unbounded")
	c.MetricsAddr = fs.String("metrics-addr", "", "address to serve Prometheus /metrics on, empty to disable")
	c.LogLevel = fs.String("log-level", "info", "log level: debug, info, warn, error")
	return c
}

// Parse parses args (typically os.Args[1:]) into the Config's fields. An
// argument of the form -X:gc:<key>=<value> is accepted as a spelling of
// --X:gc=<key>=<value>; arguments after a "--" terminator are left as is.
func (c *Config) Parse(args []string) error {
	normalized := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			normalized = append(normalized, args[i:]...)
			break
		}
		if rest, ok := strings.CutPrefix(arg, "-X:gc:"); ok {
			arg = "--X:gc=" + rest
		}
		normalized = append(normalized, arg)
	}
	return c.flags.Parse(normalized)
}

// FlagSet exposes the underlying pflag.FlagSet, e.g. for Usage output.
func (c *Config) FlagSet() *pflag.FlagSet { return c.flags }
