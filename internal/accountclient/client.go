// Package accountclient calls the account service on behalf of peer services.
// Every request carries the shared service key; movement requests may also
// forward the end user's bearer token.
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

const (
	ServiceKeyHeader     = "X-Service-Key"
	IdempotencyKeyHeader = "Idempotency-Key"

	DefaultTimeout = 30 * time.Second
)

// Account is the public view of an account. It never carries a balance or
// personal data.
type Account struct {
	ID     string `json:"id"`
	Number int64  `json:"number"`
	Active bool   `json:"active"`
}

// MovementRequest posts one movement on AccountID. AccountNumber, when set,
// credits another account by number.
type MovementRequest struct {
	AccountID      string
	AccountNumber  int64
	IdempotencyKey string
	Kind           domain.MovementKind
	Amount         decimal.Decimal
	Credential     string
}

type movementBody struct {
	AccountNumber int64               `json:"account_number,omitempty"`
	Type          domain.MovementKind `json:"type"`
	Amount        string              `json:"amount"`
}

type errorBody struct {
	Code   domain.Code `json:"code"`
	Detail string      `json:"error"`
}

type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

func New(baseURL, serviceKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		http:       &http.Client{Timeout: timeout},
	}
}

// ValidateAccount reports whether the account exists and is active.
func (c *Client) ValidateAccount(ctx context.Context, number int64) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/accounts/validate/%d", number), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, remoteError(resp)
}

// AccountByNumber returns domain.ErrNotFound when no account has number.
func (c *Client) AccountByNumber(ctx context.Context, number int64) (*Account, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/accounts/number/%d", number), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var acc Account
		if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
			return nil, errors.Wrap(err, "decode account")
		}
		return &acc, nil
	case http.StatusNotFound:
		return nil, domain.ErrNotFound
	}
	return nil, remoteError(resp)
}

// PostMovement returns a *domain.Error carrying the remote code when the
// account service rejected the movement, and an untagged error when the call
// itself failed.
func (c *Client) PostMovement(ctx context.Context, req MovementRequest) error {
	body, err := json.Marshal(movementBody{
		AccountNumber: req.AccountNumber,
		Type:          req.Kind,
		Amount:        req.Amount.StringFixed(domain.MoneyPlaces),
	})
	if err != nil {
		return errors.Wrap(err, "encode movement")
	}
	headers := map[string]string{IdempotencyKeyHeader: req.IdempotencyKey}
	if req.Credential != "" {
		headers["Authorization"] = "Bearer " + req.Credential
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/accounts/"+req.AccountID+"/movements", body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return remoteError(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(ServiceKeyHeader, c.serviceKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

// remoteError turns a non-success response into an error. 4xx responses with
// a code become tagged errors; anything else stays untagged so it never leaks
// to end users.
func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Code != "" {
			return domain.Errorf(eb.Code, "%s", eb.Detail)
		}
	}
	return errors.Newf("account service responded %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}
