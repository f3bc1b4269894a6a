package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

// ErrSourceUnavailable is returned when a default rule document cannot be
// fetched.
var ErrSourceUnavailable = errors.New("rule source unavailable")

// maxDocumentSize bounds remote rule documents.
const maxDocumentSize = 4 << 20

// Fetcher retrieves the raw default rule document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, rule.Format, error)
}

// FileSource reads the default rules from a bundled file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, rule.Format, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return data, rule.FormatFromPath(s.Path), nil
}

func (s FileSource) String() string {
	return s.Path
}

// HTTPSource downloads the default rules.
type HTTPSource struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (s HTTPSource) Fetch(ctx context.Context) ([]byte, rule.Format, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned %d", ErrSourceUnavailable, s.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return data, s.format(resp.Header.Get("Content-Type")), nil
}

func (s HTTPSource) format(contentType string) rule.Format {
	if strings.Contains(strings.ToLower(contentType), "yaml") {
		return rule.FormatYAML
	}
	if u, err := url.Parse(s.URL); err == nil {
		return rule.FormatFromPath(u.Path)
	}
	return rule.FormatJSON
}

func (s HTTPSource) String() string {
	return s.URL
}

// NewSource picks a fetcher for location: http(s) URLs are downloaded, anything
// else is read from disk. An empty location yields nil.
func NewSource(location string, timeout time.Duration) Fetcher {
	location = strings.TrimSpace(location)
	switch {
	case location == "":
		return nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return HTTPSource{URL: location, Timeout: timeout}
	default:
		return FileSource{Path: location}
	}
}
