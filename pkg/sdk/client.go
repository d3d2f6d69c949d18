// Package sdk is the Go client for the SkyTrace baggage event service.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "https://skytrace.example.com"})
//
//	res, err := client.SubmitScan(ctx, sdk.ScanEvent{
//	    BagTag:    "0125123456",
//	    Location:  "LHR-T5-SORTATION-2",
//	    Timestamp: time.Now(),
//	    EventType: "sortation",
//	})
//
// Non-2xx answers are returned as *APIError; check Retriable() before
// resubmitting, and honor RetryAfter on rate-limited ingest.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service endpoint (required), e.g. "http://localhost:8080".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout for each request (default 30s). Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default client, for custom transports.
	HTTPClient *http.Client
}

// Client talks to the SkyTrace HTTP API.
type Client struct {
	config Config
	httpc  *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpc: httpc}
}

// do issues one request and decodes the answer into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("skytrace: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("skytrace: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("skytrace: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("skytrace: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown"}
		_ = json.Unmarshal(raw, apiErr)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("skytrace: decode response: %w", err)
	}
	return nil
}

// SubmitScan ingests one structured scan event.
func (c *Client) SubmitScan(ctx context.Context, ev ScanEvent) (*IngestResult, error) {
	var res IngestResult
	if err := c.do(ctx, http.MethodPost, "/events/scan", ev, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitBatch ingests a set of scans sharing a source system.
func (c *Client) SubmitBatch(ctx context.Context, events []ScanEvent, sourceSystem string) (*IngestResult, error) {
	raws := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		buf, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("skytrace: marshal batch event: %w", err)
		}
		raws = append(raws, buf)
	}
	body := map[string]interface{}{"events": raws, "source_system": sourceSystem}
	var res IngestResult
	if err := c.do(ctx, http.MethodPost, "/events/batch", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitRaw ingests an opaque payload, letting the service pick the parser.
// Source is an optional format hint ("json", "scanline", "typeb", "xml").
func (c *Client) SubmitRaw(ctx context.Context, data []byte, source string) (*IngestResult, error) {
	body := map[string]string{"data": string(data), "source": source}
	var res IngestResult
	if err := c.do(ctx, http.MethodPost, "/scan", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitTypeB ingests an IATA Type B telegram (BSM/BPM/BTM).
func (c *Client) SubmitTypeB(ctx context.Context, message string) (*IngestResult, error) {
	body := map[string]string{"message": message}
	var res IngestResult
	if err := c.do(ctx, http.MethodPost, "/type-b", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitBaggageXML ingests a BaggageXML manifest.
func (c *Client) SubmitBaggageXML(ctx context.Context, xmlContent, flightNumber string) (*IngestResult, error) {
	body := map[string]string{"xml_content": xmlContent, "flight_number": flightNumber}
	var res IngestResult
	if err := c.do(ctx, http.MethodPost, "/baggage-xml", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBag fetches the authoritative record with its timeline and latest
// risk assessment.
func (c *Client) GetBag(ctx context.Context, bagTag string) (*BagDetail, error) {
	var res BagDetail
	if err := c.do(ctx, http.MethodGet, "/bag/"+url.PathEscape(bagTag), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListBags queries bags by status, location and risk band.
func (c *Client) ListBags(ctx context.Context, q BagQuery) ([]Bag, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Location != "" {
		v.Set("location", q.Location)
	}
	if q.RiskMin != nil {
		v.Set("risk_min", strconv.FormatFloat(*q.RiskMin, 'f', -1, 64))
	}
	if q.RiskMax != nil {
		v.Set("risk_max", strconv.FormatFloat(*q.RiskMax, 'f', -1, 64))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/bags"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var res struct {
		Bags []Bag `json:"bags"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Bags, nil
}

// Journey returns the bag's scan history as served from the graph
// projection.
func (c *Client) Journey(ctx context.Context, bagTag string) (*Journey, error) {
	var res Journey
	if err := c.do(ctx, http.MethodGet, "/graph/bags/"+url.PathEscape(bagTag)+"/journey", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CurrentLocation returns where the bag was last seen.
func (c *Client) CurrentLocation(ctx context.Context, bagTag string) (*LocationFix, error) {
	var res LocationFix
	if err := c.do(ctx, http.MethodGet, "/graph/bags/"+url.PathEscape(bagTag)+"/current-location", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FlightBags lists the bags loaded on a flight.
func (c *Client) FlightBags(ctx context.Context, flightNumber string) ([]BagSnapshot, error) {
	var res struct {
		Bags []BagSnapshot `json:"bags"`
	}
	if err := c.do(ctx, http.MethodGet, "/graph/flights/"+url.PathEscape(flightNumber)+"/bags", nil, &res); err != nil {
		return nil, err
	}
	return res.Bags, nil
}

// ConnectionRisk evaluates a bag against a proposed connection window.
// connectionMinutes may be nil to score on the bag's known itinerary alone.
func (c *Client) ConnectionRisk(ctx context.Context, bagTag string, connectionMinutes *int) (*RiskAssessment, error) {
	body := map[string]interface{}{"bag_tag": bagTag}
	if connectionMinutes != nil {
		body["connection_minutes"] = *connectionMinutes
	}
	var res RiskAssessment
	if err := c.do(ctx, http.MethodPost, "/graph/bags/connection-risk", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Bottlenecks lists locations where bags are dwelling longer than usual.
func (c *Client) Bottlenecks(ctx context.Context, window time.Duration, minBags int) ([]Bottleneck, error) {
	v := url.Values{}
	if window > 0 {
		v.Set("window_minutes", strconv.Itoa(int(window.Minutes())))
	}
	if minBags > 0 {
		v.Set("min_bags", strconv.Itoa(minBags))
	}
	path := "/graph/analytics/bottlenecks"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var res struct {
		Bottlenecks []Bottleneck `json:"bottlenecks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Bottlenecks, nil
}

// PendingDispatches lists courier dispatches awaiting an approval decision.
func (c *Client) PendingDispatches(ctx context.Context) ([]PendingApproval, error) {
	var res struct {
		Pending []PendingApproval `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/dispatches/pending", nil, &res); err != nil {
		return nil, err
	}
	return res.Pending, nil
}

// ApproveDispatch records an approval; the booking happens asynchronously.
func (c *Client) ApproveDispatch(ctx context.Context, dispatchID, approver, reason string) (*DecisionResult, error) {
	return c.decideDispatch(ctx, dispatchID, "approved", approver, reason)
}

// DenyDispatch records a denial, cancelling the dispatch.
func (c *Client) DenyDispatch(ctx context.Context, dispatchID, approver, reason string) (*DecisionResult, error) {
	return c.decideDispatch(ctx, dispatchID, "denied", approver, reason)
}

func (c *Client) decideDispatch(ctx context.Context, dispatchID, decision, approver, reason string) (*DecisionResult, error) {
	body := map[string]string{"decision": decision, "approver": approver, "reason": reason}
	var res DecisionResult
	if err := c.do(ctx, http.MethodPost, "/dispatches/"+url.PathEscape(dispatchID)+"/decision", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health reports service component status. A degraded service answers 503,
// which is returned as an *APIError alongside a nil Health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var res Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
