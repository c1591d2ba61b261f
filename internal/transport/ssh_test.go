package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategorizeIgnoresWarningOnlyStderr(t *testing.T) {
	err := Categorize("docker run", "container-id", "WARNING: No swap limit support\nWARNING: something else", fmt.Errorf("exit status 1"))
	if err != nil {
		t.Fatalf("warning-only stderr must not be an error, got %v", err)
	}
}

func TestCategorizeCategories(t *testing.T) {
	cases := []struct {
		stderr string
		errMsg string
		want   ErrorCategory
	}{
		{"permission denied while trying to connect", "exit status 1", CategoryPermissionDenied},
		{"", "context deadline exceeded", CategoryTimeout},
		{"operation timed out", "exit status 1", CategoryTimeout},
		{"connect: connection refused", "exit status 255", CategorySSHFailed},
		{"ssh: handshake failed", "exit status 255", CategorySSHFailed},
		{"Error response from daemon: conflict", "exit status 125", CategoryEngineFailed},
	}
	for _, tc := range cases {
		err := Categorize("docker run", "", tc.stderr, errors.New(tc.errMsg))
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError for %q, got %v", tc.stderr, err)
		}
		if te.Category != tc.want {
			t.Errorf("stderr %q: got %s, want %s", tc.stderr, te.Category, tc.want)
		}
	}
}

func TestCategorizeMixedWarningsIsError(t *testing.T) {
	err := Categorize("docker run", "", "WARNING: harmless\nError: bad flag", errors.New("exit status 125"))
	if err == nil {
		t.Fatal("stderr with a non-warning line must error")
	}
}

func TestOnlyWarningsEmptyStderr(t *testing.T) {
	if onlyWarnings("") {
		t.Fatal("empty stderr is not warning-only output")
	}
	if onlyWarnings("   \n  ") {
		t.Fatal("blank stderr is not warning-only output")
	}
}

func TestTransportErrorMessage(t *testing.T) {
	te := &TransportError{Category: CategoryEngineFailed, Op: "docker commit", Output: "no space left"}
	if got := te.Error(); got != "transport docker commit (engine_failed): no space left" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestFirstWordKeepsDockerSubcommand(t *testing.T) {
	if got := firstWord("docker exec -w /x foo sh -c 'ls'"); got != "docker exec" {
		t.Fatalf("got %q", got)
	}
	if got := firstWord("echo hi"); got != "echo" {
		t.Fatalf("got %q", got)
	}
}

func TestTailTruncatesLongOutput(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	got := tail(string(long), 100)
	if len(got) != 103 { // "..." prefix plus the last 100 bytes
		t.Fatalf("unexpected length %d", len(got))
	}
}
