package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/identity"
)

// Command asks an external program for a name, e.g. a script that queries
// the OS address book. It is invoked as `<command> <args...> <kind> <value>`;
// exit status 0 with non-empty stdout is a hit, exit status 1 is a miss, and
// anything else is an error retried by the Retrier.
type Command struct {
	Path    string
	Args    []string
	Kinds   []string
	Retrier *collab.Retrier
}

// errNotFound marks a definitive miss so it is not retried.
var errNotFound = errors.New("not found")

// Lookup implements Source.
func (c *Command) Lookup(ctx context.Context, alias identity.Alias) (string, bool, error) {
	if !c.handles(alias.Kind) {
		return "", false, nil
	}
	r := c.Retrier
	if r == nil {
		r = &collab.Retrier{MaxAttempts: 1}
	}
	retry := *r
	retry.Retryable = func(err error) bool { return !errors.Is(err, errNotFound) }

	name, err := collab.Call(ctx, &retry, func(ctx context.Context) (string, error) {
		args := append(append([]string{}, c.Args...), alias.Kind, alias.Value)
		cmd := exec.CommandContext(ctx, c.Path, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", errNotFound
		}
		if err != nil {
			return "", fmt.Errorf("%s failed: %w (stderr: %s)", c.Path, err, strings.TrimSpace(stderr.String()))
		}
		name := strings.TrimSpace(stdout.String())
		if name == "" {
			return "", errNotFound
		}
		return name, nil
	})
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (c *Command) handles(kind string) bool {
	if len(c.Kinds) == 0 {
		return kind == identity.KindPhone || kind == identity.KindEmail
	}
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
