// Package pir talks to the baggage tracing network (WorldTracer-style) to
// file, update and search Property Irregularity Reports. The orchestrator
// only sees the Service interface; the HTTP adapter and the in-memory fake
// are interchangeable.
package pir

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

// Service is the tracing-network capability.
type Service interface {
	// File submits the report and fills in the assigned PIR number.
	File(ctx context.Context, p *model.PIR) error
	// Update appends a note to a filed report.
	Update(ctx context.Context, pirNumber, note string) error
	// Search returns the network's reports for a bag.
	Search(ctx context.Context, bagTag string) ([]*model.PIR, error)
}

// HTTPService is the adapter for a real tracing endpoint.
type HTTPService struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTP builds the adapter. The breaker opens after five consecutive
// failures and probes again after thirty seconds.
func NewHTTP(baseURL string, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pir-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.Named("pir"),
	}
}

type fileResponse struct {
	PIRNumber string `json:"pir_number"`
}

func (s *HTTPService) File(ctx context.Context, p *model.PIR) error {
	var resp fileResponse
	err := s.call(ctx, http.MethodPost, "/pirs", p, &resp)
	if err != nil {
		return err
	}
	if resp.PIRNumber != "" {
		p.PIRNumber = resp.PIRNumber
	}
	return nil
}

func (s *HTTPService) Update(ctx context.Context, pirNumber, note string) error {
	body := map[string]string{"note": note}
	return s.call(ctx, http.MethodPost, "/pirs/"+pirNumber+"/notes", body, nil)
}

func (s *HTTPService) Search(ctx context.Context, bagTag string) ([]*model.PIR, error) {
	var out []*model.PIR
	err := s.call(ctx, http.MethodGet, "/pirs?bag_tag="+bagTag, nil, &out)
	return out, err
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
			return nil, faults.Wrapf(faults.Transient, "pir service: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return nil, faults.Wrapf(faults.Transient, "pir service: status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, faults.Wrapf(faults.Permanent, "pir service: status %d", resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, faults.Wrapf(faults.Permanent, "decode response: %w", err)
			}
		}
		return nil, nil
	})
	if errIsBreakerOpen(err) {
		return faults.Wrapf(faults.Transient, "pir service: %w", err)
	}
	return err
}

func errIsBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// Memory is the in-process fake selected when PIR_SERVICE_URL is empty.
// Numbers follow the station+airline+sequence shape used on the wire.
type Memory struct {
	station string
	airline string
	mu      sync.Mutex
	seq     int
	filed   map[string]*model.PIR
	notes   map[string][]string
}

// NewMemory builds the fake. Station and airline seed the generated
// numbers, e.g. LHRXS00042.
func NewMemory(station, airline string) *Memory {
	return &Memory{
		station: station,
		airline: airline,
		filed:   make(map[string]*model.PIR),
		notes:   make(map[string][]string),
	}
}

func (m *Memory) File(_ context.Context, p *model.PIR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PIRNumber == "" {
		m.seq++
		p.PIRNumber = fmt.Sprintf("%s%s%05d", m.station, m.airline, m.seq)
	}
	cp := *p
	m.filed[p.PIRNumber] = &cp
	return nil
}

func (m *Memory) Update(_ context.Context, pirNumber, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filed[pirNumber]; !ok {
		return faults.Wrapf(faults.Permanent, "pir %s not filed", pirNumber)
	}
	m.notes[pirNumber] = append(m.notes[pirNumber], note)
	return nil
}

func (m *Memory) Search(_ context.Context, bagTag string) ([]*model.PIR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PIR
	for _, p := range m.filed {
		if p.BagTag == bagTag {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
