package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	maxCheckedFiles   = 10
	npmInstallTimeout = 2 * time.Minute
)

// TestCode runs the static validation protocol against the session's
// workspace: install dependencies when a package.json is present, then
// syntax-check the first source files in listing order. Install failures
// and syntax errors are collected; only transport failures abort.
func (m *Manager) TestCode(ctx context.Context, sessionID string) (*TestResult, error) {
	var errs []string

	has, err := m.ExecInContainer(ctx, sessionID, "[ -f package.json ] && echo yes || echo no", 0)
	if err != nil {
		return nil, err
	}
	if strings.Contains(has.Output, "yes") {
		install, err := m.ExecInContainer(ctx, sessionID, "npm install --production", npmInstallTimeout)
		if err != nil {
			return nil, err
		}
		if !install.Success {
			errs = append(errs, "npm install failed: "+tailOutput(install.Output, 300))
		}
	}

	list, err := m.ExecInContainer(ctx, sessionID,
		`find . -type f \( -name '*.js' -o -name '*.ts' \) -not -path './node_modules/*'`, 0)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(list.Output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	if len(files) > maxCheckedFiles {
		files = files[:maxCheckedFiles]
	}

	for _, f := range files {
		check, err := m.ExecInContainer(ctx, sessionID, "node --check "+shellQuote(f), 0)
		if err != nil {
			return nil, err
		}
		if !check.Success {
			errs = append(errs, fmt.Sprintf("Syntax error in %s: %s", f, tailOutput(check.Output, 300)))
		}
	}

	return &TestResult{Success: len(errs) == 0, Errors: errs}, nil
}

func tailOutput(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
