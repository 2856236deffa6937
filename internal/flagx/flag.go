// Package flagx contains helpers for parsing a subset of command-line flags
// so that several loaders can share one argument list.
package flagx

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FilterArgs keeps only the allowedFlags of args, with their values. A value
// is either joined with '=' (-d=/tmp/data) or the next argument, as long as
// that argument does not start with '-'. The result is never nil and keeps
// the original order, so a repeated flag keeps its last value when parsed.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if _, keep := allowed[name]; keep {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, keep := allowed[arg]; !keep {
			continue
		}
		filtered = append(filtered, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}
	return filtered
}

// JsonConfigFlags returns the config file named by -c or -config, or "".
// Other arguments are ignored.
func JsonConfigFlags(args []string) string {
	var config string

	filtered := FilterArgs(args, []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(filtered)

	return config
}

// Millis is a flag.Value holding a duration given on the command line as an
// integer number of milliseconds.
type Millis time.Duration

func (m *Millis) String() string {
	return strconv.FormatInt(time.Duration(*m).Milliseconds(), 10)
}

func (m *Millis) Set(s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid milliseconds %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid milliseconds %q: must not be negative", s)
	}
	*m = Millis(time.Duration(v) * time.Millisecond)
	return nil
}

// MillisVar defines a millisecond flag on fs that writes into p.
func MillisVar(fs *flag.FlagSet, p *time.Duration, name string, usage string) {
	fs.Var((*Millis)(p), name, usage)
}
