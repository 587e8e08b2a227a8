// Package cli parses the run command's argument vector.
//
// The flag grammar is strict: every flag is exactly two characters, a
// dash followed by one letter, and any violation prints a usage line
// to stderr and exits nonzero before any file or GPU work happens.
// That precision is awkward to get from a general-purpose flag library
// (pflag's combined-shorthand parsing and "--long" forms don't match
// it), so this package hand-rolls the loop, and nothing else in this
// repository needs a flags framework.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Args holds one parsed invocation.
type Args struct {
	Checkpoint  string
	Temperature float32
	TopP        float32
	Seed        uint64
	Steps       int
	Prompt      string
}

// ErrUsage is returned for any malformed invocation; the caller prints
// Usage and exits nonzero.
var ErrUsage = errors.New("cli: usage error")

// Usage is the message printed to stderr on ErrUsage.
const Usage = `Usage:   run <checkpoint> [options]
Example: run model.bin -n 256 -i "Once upon a time"
Options:
  -t <float>  temperature in [0, inf], default 1.0
  -p <float>  top-p in (0, 1], 0 disables, default 0.9
  -s <int>    random seed, default current time
  -n <int>    number of steps to run, default 256
  -i <string> input prompt`

// Parse parses argv (excluding the program name). Every flag token
// must be a dash plus exactly one letter; anything else is a usage
// error.
func Parse(argv []string) (Args, error) {
	a := Args{
		Temperature: 1.0,
		TopP:        0.9,
		Seed:        uint64(time.Now().UnixNano()),
		Steps:       256,
	}

	if len(argv) < 1 {
		return Args{}, ErrUsage
	}
	a.Checkpoint = argv[0]

	i := 1
	for i < len(argv) {
		flag := argv[i]
		if len(flag) != 2 || flag[0] != '-' {
			return Args{}, ErrUsage
		}
		if i+1 >= len(argv) {
			return Args{}, ErrUsage
		}
		val := argv[i+1]

		var err error
		switch flag[1] {
		case 't':
			err = setFloat(&a.Temperature, val)
		case 'p':
			err = setFloat(&a.TopP, val)
		case 's':
			var seed int64
			seed, err = strconv.ParseInt(val, 10, 64)
			if err == nil {
				a.Seed = uint64(seed)
			}
		case 'n':
			a.Steps, err = strconv.Atoi(val)
		case 'i':
			a.Prompt = val
		default:
			err = fmt.Errorf("%w: unknown flag -%c", ErrUsage, flag[1])
		}
		if err != nil {
			return Args{}, ErrUsage
		}
		i += 2
	}

	if a.Seed == 0 {
		return Args{}, fmt.Errorf("%w: seed 0 rejected (xorshift cannot escape it)", ErrUsage)
	}
	if a.Steps < 0 {
		return Args{}, ErrUsage
	}

	return a, nil
}

func setFloat(dst *float32, s string) error {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return err
	}
	*dst = float32(v)
	return nil
}
