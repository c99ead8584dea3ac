package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"ble-remote/internal/permission"
)

// terminalRequester asks for capabilities on the terminal. It stands in for
// the platform dialog when the configured platform needs runtime grants.
type terminalRequester struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalRequester(in *bufio.Reader, out io.Writer) *terminalRequester {
	return &terminalRequester{in: in, out: out}
}

func (r *terminalRequester) Request(ctx context.Context, rat permission.Rationale, caps ...permission.Capability) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(r.out, "%s: %s\n", rat.Title, rat.Message)
	for _, c := range caps {
		fmt.Fprintf(r.out, "  - %s\n", c)
	}
	fmt.Fprintf(r.out, "Grant? [y/N] (%s) ", rat.Button)

	line, err := r.in.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "" && err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	return answer == "y" || answer == "yes", nil
}
