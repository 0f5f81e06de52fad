package main

import "fmt"

const (
	exitCodeCanceled = 130
	// exitCodePartial reports a batch that finished with some items left
	// undone. The result has already been printed.
	exitCodePartial = 2
)

type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// partialFailure exits with exitCodePartial without printing anything more.
func partialFailure(format string, args ...any) error {
	return &exitError{code: exitCodePartial, err: fmt.Errorf(format, args...), silent: true}
}
