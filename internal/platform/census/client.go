// Package census resolves the admitted-patient list for a facility over a
// date range. It is consulted only when a report generation request arrives
// without an explicit patient list.
package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Lookup is the interface consumed by report generation.
type Lookup interface {
	PatientIDs(ctx context.Context, facilityID string, start, end time.Time) ([]string, error)
}

// Client talks to the census service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type censusResponse struct {
	PatientIDs []string `json:"patientIds"`
}

// PatientIDs returns the IDs of patients admitted to the facility during the
// given window.
func (c *Client) PatientIDs(ctx context.Context, facilityID string, start, end time.Time) ([]string, error) {
	u := fmt.Sprintf("%s/api/census/%s?start=%s&end=%s",
		c.baseURL,
		url.PathEscape(facilityID),
		url.QueryEscape(start.UTC().Format(time.RFC3339)),
		url.QueryEscape(end.UTC().Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build census request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("census request for facility %s: %w", facilityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("census returned %d for facility %s: %s", resp.StatusCode, facilityID, strings.TrimSpace(string(body)))
	}

	var out censusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode census response: %w", err)
	}
	return out.PatientIDs, nil
}
