package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/models"
)

const adminPath = "/api/v1/admin/compensations"

// adminClient calls the operator endpoints of the transfer service.
type adminClient struct {
	base       string
	serviceKey string
	http       *http.Client
}

func newAdminClient(baseURL, serviceKey string) *adminClient {
	return &adminClient{
		base:       strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) list(ctx context.Context, statuses []string) ([]domain.CompensationPending, error) {
	path := adminPath
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out []domain.CompensationPending
	return out, c.call(ctx, http.MethodGet, path, nil, &out)
}

func (c *adminClient) get(ctx context.Context, id string) (*domain.CompensationPending, error) {
	var out domain.CompensationPending
	if err := c.call(ctx, http.MethodGet, adminPath+"/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) resolve(ctx context.Context, id, notes string) (*domain.CompensationPending, error) {
	var out domain.CompensationPending
	err := c.call(ctx, http.MethodPost, adminPath+"/"+url.PathEscape(id)+"/resolve", models.ResolveRequest{Notes: notes}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) note(ctx context.Context, id, note string) (*domain.CompensationPending, error) {
	var out domain.CompensationPending
	err := c.call(ctx, http.MethodPost, adminPath+"/"+url.PathEscape(id)+"/notes", models.NoteRequest{Note: note}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) requeue(ctx context.Context, id string, extra int) (*domain.CompensationPending, error) {
	var out domain.CompensationPending
	err := c.call(ctx, http.MethodPost, adminPath+"/"+url.PathEscape(id)+"/requeue", models.RequeueRequest{ExtraAttempts: extra}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *adminClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set(auth.ServiceKeyHeader, c.serviceKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Code == "" {
			return errors.Newf("%s %s: %s", method, path, resp.Status)
		}
		return errors.Newf("%s: %s", e.Code, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
