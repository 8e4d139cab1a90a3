// Package staticfiles implements the Static File Handler of SPEC_FULL.md
// §4.2: maps a resolved (site, URL path) to a file under the site's
// static_root, rejecting any path that would escape it, and applies MIME
// type detection and cache headers.
package staticfiles

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hostgate/hostgate/internal/herr"
)

// cacheableExt maps an extension to a max-age for long-lived caching, per
// SPEC_FULL.md §4.2: "Set a Cache-Control header for image / font / script /
// stylesheet extensions (public, bounded max-age); HTML is served without
// long caching."
var cacheableExt = map[string]time.Duration{
	".png": 24 * time.Hour, ".jpg": 24 * time.Hour, ".jpeg": 24 * time.Hour,
	".gif": 24 * time.Hour, ".svg": 24 * time.Hour, ".webp": 24 * time.Hour,
	".ico": 24 * time.Hour,
	".woff": 7 * 24 * time.Hour, ".woff2": 7 * 24 * time.Hour, ".ttf": 7 * 24 * time.Hour,
	".js": 1 * time.Hour, ".mjs": 1 * time.Hour,
	".css": 1 * time.Hour,
}

// Handler serves static content rooted at Root. It never opens a path
// outside Root, even under percent-encoding or traversal segments.
type Handler struct {
	Root          string
	CustomHeaders map[string]string
}

// New returns a Handler rooted at root.
func New(root string, headers map[string]string) *Handler {
	return &Handler{Root: root, CustomHeaders: headers}
}

// ServeHTTP implements the contract of SPEC_FULL.md §4.2.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	localPath, err := h.resolve(r.URL.Path)
	if err != nil {
		var he herr.HandlerError
		if errors.As(err, &he) {
			http.Error(w, http.StatusText(he.StatusCode), he.StatusCode)
			return
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	info, err := os.Stat(localPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		localPath = filepath.Join(localPath, "index.html")
		info, err = os.Stat(localPath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
	}

	f, err := os.Open(localPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	h.setHeaders(w, localPath)
	http.ServeContent(w, r, localPath, info.ModTime(), f)
}

// resolve canonicalizes urlPath and ensures the result is a descendant of
// Root, per SPEC_FULL.md §4.2's rules. It returns an herr.HandlerError with
// the exact status codes the spec names: 400 for decoding errors, 403 for
// traversal attempts.
func (h *Handler) resolve(urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", herr.Error(http.StatusBadRequest, errors.New("invalid percent-encoding in path"))
	}
	if strings.ContainsRune(decoded, '\x00') {
		return "", herr.Error(http.StatusBadRequest, errors.New("NUL byte in path"))
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", herr.Error(http.StatusForbidden, errors.New("path traversal segment in path"))
		}
	}

	cleaned := path.Clean("/" + decoded)
	absRoot, err := filepath.Abs(h.Root)
	if err != nil {
		return "", herr.Error(http.StatusInternalServerError, err)
	}
	target := filepath.Join(absRoot, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", herr.Error(http.StatusForbidden, errors.New("path escapes static root"))
	}
	return target, nil
}

func (h *Handler) setHeaders(w http.ResponseWriter, localPath string) {
	ext := strings.ToLower(filepath.Ext(localPath))
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)

	if maxAge, ok := cacheableExt[ext]; ok {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	}

	// Handler-level headers are set first so site-level custom headers
	// (SPEC_FULL.md §4.2) can override them when explicitly listed.
	for k, v := range h.CustomHeaders {
		w.Header().Set(k, v)
	}
}
