package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultFetchTimeout matches spec §5's "every outbound HTTP call has a
// hard timeout (default 15s)".
const defaultFetchTimeout = 15 * time.Second

// httpProvider builds one *http.Client per channel, each routed through
// that channel's proxy URL.
type httpProvider struct{}

// NewHTTPProvider returns the production Session Provider.
func NewHTTPProvider() Provider {
	return &httpProvider{}
}

func (p *httpProvider) Session(channelID int, proxyURL string) (Session, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &httpSession{
		client: &http.Client{
			Timeout:   defaultFetchTimeout,
			Transport: transport,
		},
	}, nil
}

type httpSession struct {
	client *http.Client
}

func (s *httpSession) Fetch(ctx context.Context, target string, headers map[string]string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Response{}, err
	}

	return Response{
		Status:   resp.StatusCode,
		Body:     body,
		Bytes:    int64(len(body)),
		Blocked:  classifyBlocked(resp.StatusCode, body),
		NotFound: resp.StatusCode == http.StatusNotFound,
	}, nil
}

func (s *httpSession) Close() {
	s.client.CloseIdleConnections()
}

func classifyBlocked(status int, body []byte) bool {
	if blockedStatus(status) {
		return true
	}
	for _, frag := range antiBotFragments {
		if bytes.Contains(body, []byte(frag)) {
			return true
		}
	}
	return status == http.StatusOK && len(body) < minPlausibleBodyBytes
}
