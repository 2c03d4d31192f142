// Package evaluator executes code blocks. Go source is interpreted with
// Yaegi instead of compiled, so a peer can ship behavior without a
// toolchain on the receiving side.
//
// SAFETY RESTRICTIONS:
// - Only an allowlisted set of stdlib imports is accepted
// - No os, os/exec, net, syscall, or unsafe access
// - Timeout enforcement via context
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"varwire/internal/logging"
)

// Evaluator interprets code block text. Only Go (and the empty default) is
// accepted; other languages are refused so the router can skip the block.
type Evaluator struct {
	// Whitelist of allowed stdlib packages.
	allowedPackages map[string]bool

	// Timeout for a single evaluation; zero means no bound.
	timeout time.Duration
}

// New creates an evaluator with the default allowlist.
func New(timeout time.Duration) *Evaluator {
	return &Evaluator{
		timeout: timeout,
		allowedPackages: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,

			// EXPLICITLY BLOCKED (unsafe packages):
			// "os" - filesystem access
			// "os/exec" - command execution
			// "net", "net/http" - network access
			// "syscall", "unsafe"
		},
	}
}

// Evaluate interprets text in the given language and returns the resulting
// value. A func result is returned as-is so the runtime can install it as a
// reducer.
func (e *Evaluator) Evaluate(language, text string) (interface{}, error) {
	switch strings.ToLower(language) {
	case "", "go":
	default:
		return nil, fmt.Errorf("unsupported code language %q", language)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := e.validateImports(text); err != nil {
		return nil, fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type evalResult struct {
		value interface{}
		err   error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		v, err := i.Eval(text)
		if err != nil {
			resultCh <- evalResult{err: err}
			return
		}
		if !v.IsValid() {
			resultCh <- evalResult{}
			return
		}
		resultCh <- evalResult{value: v.Interface()}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("code evaluation failed: %w", r.err)
		}
		logging.Eval("evaluated %d bytes of %s", len(text), orDefault(language, "go"))
		return r.value, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("code evaluation timed out: %w", ctx.Err())
	}
}

// validateImports checks that the code only imports allowed packages.
func (e *Evaluator) validateImports(code string) error {
	var forbidden []string
	inImportBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import (") {
			inImportBlock = true
			continue
		}
		if inImportBlock && strings.HasPrefix(trimmed, ")") {
			inImportBlock = false
			continue
		}
		var pkg string
		switch {
		case inImportBlock:
			pkg = strings.Trim(trimmed, `"`)
		case strings.HasPrefix(trimmed, "import "):
			pkg = strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
		default:
			continue
		}
		if pkg == "" {
			continue
		}
		if !e.allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports detected: %v", forbidden)
	}
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
