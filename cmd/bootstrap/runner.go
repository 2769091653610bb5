package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// maxRetries bounds validation attempts per step.
const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// Runner walks the inventory: it probes SSM, prompts or generates a value,
// validates it and stores it.
type Runner struct {
	SSM          *SSMManager
	Checks       *Checks
	Stdin        io.Reader
	Stderr       io.Writer
	SkipOptional bool

	scanner *bufio.Scanner
	// steps replaces Inventory in tests.
	steps []Step
}

type action string

const (
	actionWritten     action = "written"
	actionGenerated   action = "generated"
	actionOverwritten action = "overwritten"
	actionSkipped     action = "skipped"
)

type stepResult struct {
	Label  string
	EnvVar string
	Path   string
	Action action
}

// Run processes every step and prints a summary with the SSM pointers to
// configure on each function.
func (r *Runner) Run(ctx context.Context) error {
	steps := r.steps
	if steps == nil {
		steps = Inventory(r.Checks)
	}

	var phase string
	results := make([]stepResult, 0, len(steps))
	for i, step := range steps {
		if step.Phase != phase {
			phase = step.Phase
			fmt.Fprintf(r.Stderr, "\n== %s ==\n", phase)
		}
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(steps), step.Label)

		res, err := r.processStep(ctx, step)
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.Label, err)
		}
		results = append(results, res)
	}

	r.printSummary(results)
	return nil
}

func (r *Runner) processStep(ctx context.Context, step Step) (stepResult, error) {
	path := r.SSM.Path(step.EnvVar)
	res := stepResult{Label: step.Label, EnvVar: step.EnvVar, Path: path}

	if step.Optional && r.SkipOptional {
		fmt.Fprintln(r.Stderr, "  Skipped (-skip-optional)")
		res.Action = actionSkipped
		return res, nil
	}

	exists, err := r.SSM.ParameterExists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.choose("  [S]kip or [O]verwrite? ", "o", "s")
		if err != nil {
			return res, err
		}
		if !overwrite {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			res.Action = actionSkipped
			return res, nil
		}
	}

	var value string
	switch step.Source {
	case SourceGenerated:
		if value, err = GenerateSecureToken(); err != nil {
			return res, err
		}
		fmt.Fprintf(r.Stderr, "  Auto-generated (%d chars)\n", len(value))
	default:
		value, err = r.promptAndValidate(ctx, step)
		if errors.Is(err, errSkipped) {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			res.Action = actionSkipped
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}

	if step.Secret {
		err = r.SSM.PutSecret(ctx, path, value, exists)
	} else {
		err = r.SSM.PutString(ctx, path, value)
	}
	if err != nil {
		return res, err
	}

	switch {
	case exists:
		res.Action = actionOverwritten
	case step.Source == SourceGenerated:
		res.Action = actionGenerated
	default:
		res.Action = actionWritten
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

func (r *Runner) promptAndValidate(ctx context.Context, step Step) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; {
		var input string
		var err error
		if step.Secret {
			input, err = r.readSecret("  > ")
		} else {
			fmt.Fprint(r.Stderr, "  > ")
			input, err = r.scanLine()
		}
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			retry, err := r.choose("  No input received. [S]kip or [R]etry? ", "r", "s")
			if err != nil {
				return "", err
			}
			if !retry {
				return "", errSkipped
			}
			continue
		}

		if step.Secret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}
		if step.Check != nil {
			cr := step.Check(ctx, input)
			if !cr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s (%d/%d)\n", cr.Message, attempt, maxRetries)
				attempt++
				continue
			}
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", cr.Message)
		}
		return input, nil
	}
	return "", fmt.Errorf("maximum retries (%d) exceeded", maxRetries)
}

// choose reads until the operator answers yes or no and reports whether
// they picked yes.
func (r *Runner) choose(prompt, yes, no string) (bool, error) {
	for {
		fmt.Fprint(r.Stderr, prompt)
		line, err := r.scanLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case yes:
			return true, nil
		case no:
			return false, nil
		}
	}
}

func (r *Runner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// readSecret disables echo when stdin is a terminal and falls back to line
// reads for piped input.
func (r *Runner) readSecret(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return r.scanLine()
}

func (r *Runner) printSummary(results []stepResult) {
	counts := map[action]int{}
	fmt.Fprintln(r.Stderr, "\n== Summary ==")
	for _, res := range results {
		counts[res.Action]++
		fmt.Fprintf(r.Stderr, "  %-13s %s\n", "["+strings.ToUpper(string(res.Action))+"]", res.Label)
	}
	fmt.Fprintf(r.Stderr, "  Written: %d | Generated: %d | Overwritten: %d | Skipped: %d\n",
		counts[actionWritten], counts[actionGenerated], counts[actionOverwritten], counts[actionSkipped])

	fmt.Fprintln(r.Stderr, "\nSet these on the api, jobs and email-worker functions:")
	for _, res := range results {
		if res.Action == actionSkipped {
			continue
		}
		fmt.Fprintf(r.Stderr, "  %s_SSM_PARAM=%s\n", res.EnvVar, res.Path)
	}
}

// tokenByteLength gives 64 hex characters, above the 32-character minimum
// SESSION_SECRET requires.
const tokenByteLength = 32

// GenerateSecureToken returns a random hex token. Generated values are
// never printed.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
