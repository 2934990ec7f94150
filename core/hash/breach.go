package hash

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // the HIBP range API is keyed by SHA-1 prefix
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// BreachChecker reports whether a password has been observed in a public
// breach corpus. It is consulted only when a password is being set, never
// during login.
type BreachChecker interface {
	// Breached returns true when the password appears in the corpus.
	// Implementations must fail open: on any lookup error they return
	// (false, nil) so a network hiccup never blocks registration.
	Breached(ctx context.Context, password string) (bool, error)
}

// HIBP queries the haveibeenpwned.com range API using k-anonymity: only the
// first five hex characters of the password's SHA-1 leave the process.
type HIBP struct {
	client  *http.Client
	baseURL string
}

// HIBPOption configures the HIBP checker.
type HIBPOption func(*HIBP)

// WithHTTPClient sets the HTTP client used for range lookups.
func WithHTTPClient(client *http.Client) HIBPOption {
	return func(h *HIBP) {
		if client != nil {
			h.client = client
		}
	}
}

// WithBaseURL overrides the range API endpoint. Used by tests.
func WithBaseURL(url string) HIBPOption {
	return func(h *HIBP) {
		if url != "" {
			h.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// NewHIBP creates a breach checker backed by the public range API with a
// bounded request timeout.
func NewHIBP(opts ...HIBPOption) *HIBP {
	h := &HIBP{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "https://api.pwnedpasswords.com/range",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Breached implements BreachChecker. Lookup failures are swallowed and
// reported as not breached.
func (h *HIBP) Breached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password)) //nolint:gosec
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+prefix, nil)
	if err != nil {
		return false, nil
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		candidate, _, found := strings.Cut(line, ":")
		if found && strings.EqualFold(candidate, suffix) {
			return true, nil
		}
	}
	return false, nil
}

// DenyNone never reports a breach. Default for tests and air-gapped deployments.
type DenyNone struct{}

func (DenyNone) Breached(ctx context.Context, password string) (bool, error) {
	return false, nil
}

// DenyList reports a breach for an explicit set of passwords. Test helper.
type DenyList map[string]struct{}

func (d DenyList) Breached(ctx context.Context, password string) (bool, error) {
	_, ok := d[password]
	return ok, nil
}
