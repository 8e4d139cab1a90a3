package tlsmgr

import (
	"context"
	"net/http"
	"sync"

	"github.com/mholt/acmez/v3/acme"
)

// httpSolver answers ACME HTTP-01 challenges by keeping the token ->
// key-authorization mapping the challenge server asked for in memory, and
// serving it from the well-known path SPEC_FULL.md §4.5 requires every
// listener to recognize "regardless of which site's routing rules would
// otherwise apply".
type httpSolver struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newHTTPSolver() *httpSolver {
	return &httpSolver{tokens: make(map[string]string)}
}

// Present implements acmez.Solver.
func (s *httpSolver) Present(ctx context.Context, chal acme.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[chal.Token] = chal.KeyAuthorization
	return nil
}

// CleanUp implements acmez.Solver.
func (s *httpSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, chal.Token)
	return nil
}

// ServeHTTP responds to GET /.well-known/acme-challenge/<token> with the
// matching key authorization, or 404 if no challenge is pending for it.
func (s *httpSolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := challengeToken(r.URL.Path)
	s.mu.Lock()
	keyAuth, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(keyAuth))
}

const wellKnownPrefix = "/.well-known/acme-challenge/"

// IsChallengePath reports whether p is an ACME HTTP-01 challenge request.
func IsChallengePath(p string) bool {
	return len(p) > len(wellKnownPrefix) && p[:len(wellKnownPrefix)] == wellKnownPrefix
}

func challengeToken(p string) string {
	if !IsChallengePath(p) {
		return ""
	}
	return p[len(wellKnownPrefix):]
}
