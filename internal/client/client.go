// Package client talks to the orphanfinder HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rsclarke/orphanfinder/internal/api"
	"github.com/rsclarke/orphanfinder/internal/storage"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: http.DefaultClient,
	}
}

// Error is a non-200 response from the API.
type Error struct {
	StatusCode int
	Message    string
	Category   string
}

func (e *Error) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Category)
	}
	return e.Message
}

// Step runs one stage from 0 through 7. Use Overview for the final stage.
func (c *Client) Step(ctx context.Context, step int, sessionID string) (*api.StepResponse, error) {
	q := url.Values{"step": {strconv.Itoa(step)}}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	var result api.StepResponse
	if err := c.get(ctx, "/v1/overview/step", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Overview runs the final stage and returns the entity list and summary.
func (c *Client) Overview(ctx context.Context, sessionID string) (*api.OverviewResponse, error) {
	q := url.Values{
		"step":       {strconv.Itoa(api.FinalStep)},
		"session_id": {sessionID},
	}
	var result api.OverviewResponse
	if err := c.get(ctx, "/v1/overview/step", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Scan runs every stage in order. progress, if non-nil, is called after
// each intermediate stage.
func (c *Client) Scan(ctx context.Context, progress func(step int, resp *api.StepResponse)) (*api.OverviewResponse, error) {
	first, err := c.Step(ctx, 0, "")
	if err != nil {
		return nil, fmt.Errorf("step 0: %w", err)
	}
	if progress != nil {
		progress(0, first)
	}
	for step := 1; step < api.FinalStep; step++ {
		resp, err := c.Step(ctx, step, first.SessionID)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		if progress != nil {
			progress(step, resp)
		}
	}
	overview, err := c.Overview(ctx, first.SessionID)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", api.FinalStep, err)
	}
	return overview, nil
}

// DeleteSQL fetches the cleanup script for one entity.
func (c *Client) DeleteSQL(ctx context.Context, ref storage.EntityRef) (*api.DeleteSQLResponse, error) {
	q := url.Values{
		"entity_id":          {ref.EntityID},
		"origin":             {string(ref.Origin)},
		"in_states_meta":     {strconv.FormatBool(ref.InStatesMeta)},
		"in_statistics_meta": {strconv.FormatBool(ref.InStatisticsMeta)},
	}
	if ref.MetadataID != nil {
		q.Set("metadata_id", strconv.FormatInt(*ref.MetadataID, 10))
	}
	var result api.DeleteSQLResponse
	if err := c.get(ctx, "/v1/delete-sql", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DatabaseSize(ctx context.Context) (*api.DatabaseSizeResponse, error) {
	var result api.DatabaseSizeResponse
	if err := c.get(ctx, "/v1/database-size", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Histogram(ctx context.Context, entityID string, hours int) (*api.HistogramResponse, error) {
	q := url.Values{"hours": {strconv.Itoa(hours)}}
	var result api.HistogramResponse
	if err := c.get(ctx, "/v1/entities/"+url.PathEscape(entityID)+"/histogram", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("request failed with status %d", resp.StatusCode)}
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, string(body)),
		}
	}
	msg := errResp.Error
	if errResp.Message != "" {
		msg = errResp.Message
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg, Category: errResp.Category}
}
