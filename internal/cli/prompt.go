package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/upload"
)

// errPromptAborted is returned by interactive resolvers when the user quits
// without deciding. The batch then follows its abandonment policy.
var errPromptAborted = errors.New("conflict prompt aborted")

// resolverFor maps --on-conflict to a Resolver. Prompting uses the TUI
// dialog when useTUI is set, and a numbered line prompt otherwise.
func resolverFor(onConflict string, useTUI bool, in io.Reader, out io.Writer) (upload.Resolver, error) {
	switch onConflict {
	case config.OnConflictSkip:
		return upload.ResolverFunc(func(context.Context, []string) ([]string, error) {
			return nil, nil
		}), nil
	case config.OnConflictOverwrite:
		return upload.ResolverFunc(func(_ context.Context, conflicts []string) ([]string, error) {
			return conflicts, nil
		}), nil
	case config.OnConflictAbort:
		return upload.ResolverFunc(func(context.Context, []string) ([]string, error) {
			return nil, errPromptAborted
		}), nil
	case config.OnConflictPrompt:
		if useTUI {
			return &dialogResolver{in: in, out: out}, nil
		}
		return &lineResolver{in: in, out: out}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidOnConflict, onConflict)
	}
}

// lineResolver asks on a plain text stream.
type lineResolver struct {
	in  io.Reader
	out io.Writer
}

func (r *lineResolver) Resolve(ctx context.Context, conflicts []string) ([]string, error) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	// The reader may still be blocked in Read when we return; done lets it
	// exit as soon as that read completes instead of waiting on lines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		reader := bufio.NewReader(r.in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	fmt.Fprintf(r.out, "\n%d file(s) already exist:\n", len(conflicts))
	for i, name := range conflicts {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, name)
	}

	for {
		fmt.Fprintln(r.out, "Overwrite which? [a]ll, [n]one, numbers (e.g. 1,3-4), [q]uit:")
		fmt.Fprint(r.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-readErr:
			return nil, fmt.Errorf("%w: %w", errPromptAborted, err)
		case line = <-lines:
		}

		names, quit, err := parseSelection(strings.TrimSpace(line), conflicts)
		if quit {
			return nil, errPromptAborted
		}
		if err != nil {
			fmt.Fprintf(r.out, "Invalid choice: %v\n", err)
			continue
		}
		return names, nil
	}
}

// parseSelection interprets one prompt answer. An empty answer declines all.
func parseSelection(answer string, conflicts []string) (names []string, quit bool, err error) {
	switch strings.ToLower(answer) {
	case "a", "all", "y", "yes":
		return append([]string(nil), conflicts...), false, nil
	case "", "n", "none", "no":
		return nil, false, nil
	case "q", "quit":
		return nil, true, nil
	}

	picked := make([]bool, len(conflicts))
	fields := strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == ' ' })
	for _, f := range fields {
		lo, hi, found := strings.Cut(f, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, false, fmt.Errorf("%q is not a number", f)
		}
		end := start
		if found {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, false, fmt.Errorf("%q is not a range", f)
			}
		}
		if start < 1 || end > len(conflicts) || start > end {
			return nil, false, fmt.Errorf("%q is out of range 1-%d", f, len(conflicts))
		}
		for i := start; i <= end; i++ {
			picked[i-1] = true
		}
	}

	for i, ok := range picked {
		if ok {
			names = append(names, conflicts[i])
		}
	}
	return names, false, nil
}
