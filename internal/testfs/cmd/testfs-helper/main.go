//go:build linux

// testfs-helper runs inside the E2E container, next to the dupelink binary.
//
//	testfs-helper sow            build the FileTree read as JSON from stdin
//	testfs-helper reap <path>... print the state of each path as JSON
//
// sow exits with status 3 when an inode twin cannot be built, so the
// calling test can skip instead of fail.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ivoronin/dupelink/internal/testfs"
)

const exitNoTwin = 3

var commands = map[string]func(args []string) error{
	"sow": func([]string) error {
		return testfs.SowFromReader(os.Stdin, "/")
	},
	"reap": func(paths []string) error {
		if len(paths) == 0 {
			return errors.New("reap needs at least one path")
		}
		return testfs.ReapToWriter(os.Stdout, paths)
	},
}

func main() {
	if len(os.Args) < 2 {
		exit(2, errors.New("usage: testfs-helper sow | reap <path>..."))
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		exit(2, fmt.Errorf("unknown command %q", os.Args[1]))
	}
	if err := run(os.Args[2:]); err != nil {
		code := 1
		if errors.Is(err, testfs.ErrInodeUnavailable) {
			code = exitNoTwin
		}
		exit(code, fmt.Errorf("%s: %w", os.Args[1], err))
	}
}

func exit(code int, err error) {
	fmt.Fprintln(os.Stderr, "testfs-helper:", err)
	os.Exit(code)
}
