package website

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) (stdout []byte, stderr string, err error)

// CurlTransport probes URLs with the curl binary. Its TLS stack and
// resolver differ from Go's, so it reaches some hosts net/http cannot.
type CurlTransport struct {
	Path      string
	MaxTime   time.Duration
	UserAgent string

	run runFunc
}

// NewCurlTransport creates a CurlTransport. An empty path means "curl".
func NewCurlTransport(path string, maxTime time.Duration, userAgent string) *CurlTransport {
	if path == "" {
		path = "curl"
	}
	if maxTime <= 0 {
		maxTime = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &CurlTransport{Path: path, MaxTime: maxTime, UserAgent: userAgent, run: execRun}
}

// Probe follows redirects and reports the final status code and URL.
func (t *CurlTransport) Probe(ctx context.Context, url string) (int, string, error) {
	secs := int(t.MaxTime.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{
		"-sS", "-L",
		"-o", "/dev/null",
		"-w", "%{http_code} %{url_effective}",
		"--max-time", strconv.Itoa(secs),
		"-A", t.UserAgent,
		url,
	}

	out, stderr, err := t.run(ctx, t.Path, args...)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return 0, "", eris.Errorf("curl: %s", msg)
	}
	return parseCurlOutput(out)
}

func parseCurlOutput(out []byte) (int, string, error) {
	code, final, _ := strings.Cut(strings.TrimSpace(string(out)), " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", eris.Errorf("curl: unexpected output %q", out)
	}
	if n == 0 {
		return 0, "", eris.New("curl: no response")
	}
	return n, strings.TrimSpace(final), nil
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}
