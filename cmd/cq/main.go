// Command cq is the clockq CLI: dispatch tasks, inspect and repair consumer
// groups, and run workers, the watchdog and the trigger server.
package main

import (
	"errors"
	"fmt"
	"os"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitDenied = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a := &app{}
	defer a.Close()
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "cq: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "cq: %v\n", err)
	return exitError
}

// exitErr carries a non-default exit code out of a command.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitErr) Unwrap() error { return e.err }

// denied reports a claim guard or missing entry with exit code 2.
func denied(format string, args ...any) error {
	return &exitErr{code: exitDenied, err: fmt.Errorf(format, args...)}
}
