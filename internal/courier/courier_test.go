package courier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

func TestQuote_CostBenefit(t *testing.T) {
	cases := []struct {
		name       string
		quote      Quote
		worthwhile bool
		approval   bool // at threshold 0.8
	}{
		{"cheap delivery, big exposure", Quote{CostEstimate: 40, CompensationRisk: 200}, true, false},
		{"cost eats most of the exposure", Quote{CostEstimate: 170, CompensationRisk: 200}, true, true},
		{"compensation cheaper than courier", Quote{CostEstimate: 250, CompensationRisk: 200}, false, true},
		{"no exposure at all", Quote{CostEstimate: 40, CompensationRisk: 0}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.worthwhile, tc.quote.Worthwhile())
			assert.Equal(t, tc.approval, tc.quote.NeedsApproval(0.8))
		})
	}
}

func TestHTTPService_BookAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bookings":
			w.Write([]byte(`{"booking_ref":"BK-000123"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/bookings/BK-000123":
			w.Write([]byte(`{"status":"booked"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	svc := NewHTTP(srv.URL, zaptest.NewLogger(t))
	ref, err := svc.Book(context.Background(), &model.CourierDispatch{DispatchID: "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "BK-000123", ref)

	status, err := svc.Status(context.Background(), "BK-000123")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchBooked, status)
}

func TestHTTPService_ErrorClassification(t *testing.T) {
	var code int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()
	svc := NewHTTP(srv.URL, zaptest.NewLogger(t))

	code = http.StatusBadGateway
	_, err := svc.Quote(context.Background(), "0012345678", "10 Downing St")
	require.Error(t, err)
	assert.Equal(t, faults.Transient, faults.KindOf(err))

	code = http.StatusUnprocessableEntity
	_, err = svc.Quote(context.Background(), "0012345678", "10 Downing St")
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestMemory_BookIsIdempotentPerDispatch(t *testing.T) {
	m := NewMemory()
	d := &model.CourierDispatch{DispatchID: "d-1"}

	ref1, err := m.Book(context.Background(), d)
	require.NoError(t, err)
	ref2, err := m.Book(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	status, err := m.Status(context.Background(), ref1)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchBooked, status)
}
