// Package courier books last-mile delivery for bags that will not make
// their passenger. It carries the cost-benefit rule the workflow applies:
// a dispatch is worthwhile when the expected compensation exposure exceeds
// the courier cost, and it needs a human decision when the cost consumes
// too large a share of that exposure.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// Quote is a courier's price for one delivery alongside the compensation
// exposure the platform would carry by not delivering.
type Quote struct {
	CostEstimate     float64 `json:"cost_estimate"`
	CompensationRisk float64 `json:"compensation_risk"`
}

// Worthwhile reports whether dispatching beats paying compensation.
func (q Quote) Worthwhile() bool {
	return q.CompensationRisk > q.CostEstimate
}

// NeedsApproval reports whether the dispatch must wait for a human
// decision: the cost consumes more than threshold of the compensation
// exposure.
func (q Quote) NeedsApproval(threshold float64) bool {
	if q.CompensationRisk <= 0 {
		return true
	}
	return q.CostEstimate/q.CompensationRisk > threshold
}

// Service is the courier capability.
type Service interface {
	Quote(ctx context.Context, bagTag, destination string) (Quote, error)
	// Book places the booking and returns the courier's reference.
	Book(ctx context.Context, d *model.CourierDispatch) (string, error)
	Status(ctx context.Context, bookingRef string) (model.DispatchStatus, error)
}

// HTTPService is the adapter for a real courier endpoint.
type HTTPService struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTP builds the adapter with the same breaker posture as the other
// capability adapters.
func NewHTTP(baseURL string, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "courier-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.Named("courier"),
	}
}

func (s *HTTPService) Quote(ctx context.Context, bagTag, destination string) (Quote, error) {
	var q Quote
	body := map[string]string{"bag_tag": bagTag, "destination": destination}
	err := s.call(ctx, http.MethodPost, "/quotes", body, &q)
	return q, err
}

type bookResponse struct {
	BookingRef string `json:"booking_ref"`
}

func (s *HTTPService) Book(ctx context.Context, d *model.CourierDispatch) (string, error) {
	var resp bookResponse
	if err := s.call(ctx, http.MethodPost, "/bookings", d, &resp); err != nil {
		return "", err
	}
	return resp.BookingRef, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *HTTPService) Status(ctx context.Context, bookingRef string) (model.DispatchStatus, error) {
	var resp statusResponse
	if err := s.call(ctx, http.MethodGet, "/bookings/"+bookingRef, nil, &resp); err != nil {
		return "", err
	}
	return model.DispatchStatus(resp.Status), nil
}

func (s *HTTPService) call(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, faults.Wrapf(faults.Permanent, "encode request: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
		if err != nil {
			return nil, faults.Wrapf(faults.Permanent, "build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, faults.Wrapf(faults.Transient, "courier service: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return nil, faults.Wrapf(faults.Transient, "courier service: status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, faults.Wrapf(faults.Permanent, "courier service: status %d", resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, faults.Wrapf(faults.Permanent, "decode response: %w", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return faults.Wrapf(faults.Transient, "courier service: %w", err)
	}
	return err
}

// Memory is the fake selected when COURIER_SERVICE_URL is empty. Quotes
// are derived from the destination so tests can steer the cost-benefit
// branch without stubbing.
type Memory struct {
	mu       sync.Mutex
	seq      int
	bookings map[string]model.DispatchStatus
	byID     map[string]string // dispatch_id -> booking_ref

	// QuoteFor overrides quoting when set.
	QuoteFor func(bagTag, destination string) Quote
}

// NewMemory builds the fake.
func NewMemory() *Memory {
	return &Memory{
		bookings: make(map[string]model.DispatchStatus),
		byID:     make(map[string]string),
	}
}

// Quote answers with a flat-cost quote whose compensation side scales with
// the destination length, or with QuoteFor when set.
func (m *Memory) Quote(_ context.Context, bagTag, destination string) (Quote, error) {
	if m.QuoteFor != nil {
		return m.QuoteFor(bagTag, destination), nil
	}
	return Quote{CostEstimate: 45, CompensationRisk: 180}, nil
}

func (m *Memory) Book(_ context.Context, d *model.CourierDispatch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.byID[d.DispatchID]; ok {
		return ref, nil
	}
	m.seq++
	ref := fmt.Sprintf("BK-%06d", m.seq)
	m.bookings[ref] = model.DispatchBooked
	m.byID[d.DispatchID] = ref
	return ref, nil
}

func (m *Memory) Status(_ context.Context, bookingRef string) (model.DispatchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.bookings[bookingRef]
	if !ok {
		return "", faults.Wrapf(faults.Permanent, "unknown booking %s", bookingRef)
	}
	return status, nil
}
