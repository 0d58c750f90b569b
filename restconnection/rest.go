// SPDX-License-Identifier: GPL-3.0-or-later
package restconnection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/CrawX/go-mail-warden/domain"
)

const (
	// RequestTimeout bounds every single REST call.
	RequestTimeout = 15 * time.Second

	// Providers throttle aggressively, stay well below their limits.
	requestsPerSecond = 10
	requestBurst      = 20
)

// errNotFound marks a 404 on a single message so batch operations can skip
// mails that were removed by another client instead of failing.
var errNotFound = fmt.Errorf("remote object not found")

// restClient is the transport shared by the REST connector variants:
// rate-limited JSON calls with bearer auth and exactly one token refresh
// when the provider answers 401.
type restClient struct {
	httpClient *http.Client
	tokens     domain.TokenSource
	limiter    *rate.Limiter
	accountId  string
	l          *logrus.Logger
}

func newRestClient(accountId string, tokens domain.TokenSource, l *logrus.Logger) *restClient {
	return &restClient{
		httpClient: &http.Client{Timeout: RequestTimeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		accountId:  accountId,
		l:          l,
	}
}

// doJSON performs one call against the provider API. body and out may be nil;
// out is only decoded on a 2xx answer. A 401 triggers a single forced token
// refresh and retry; a second 401 surfaces as AuthenticationError.
func (r *restClient) doJSON(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	err := r.limiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("could not wait for rate limiter: %w", err)
	}

	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("could not get access token: %w", err)
	}

	resp, err := r.do(ctx, method, url, body, token)
	if err != nil {
		return &domain.ConnectionError{Op: method + " " + url, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		r.l.WithFields(logrus.Fields{"account": r.accountId}).Debug("Got 401, refreshing access token once")

		token, err = r.tokens.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("could not refresh access token: %w", err)
		}

		resp, err = r.do(ctx, method, url, body, token)
		if err != nil {
			return &domain.ConnectionError{Op: method + " " + url, Err: err}
		}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		if err != nil {
			return fmt.Errorf("could not decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &domain.AuthenticationError{AccountId: r.accountId, Reason: fmt.Sprintf("provider answered %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &domain.ConnectionError{Op: method + " " + url, Err: fmt.Errorf("provider answered %d", resp.StatusCode)}
	default:
		return fmt.Errorf("provider answered unexpected status %d", resp.StatusCode)
	}
}

func (r *restClient) do(ctx context.Context, method, url string, body interface{}, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("could not encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return r.httpClient.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
