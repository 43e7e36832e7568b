package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/handler"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/router"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/application"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/infrastructure/memory"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/clock"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/worker"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

var errBrokerDown = errors.New("broker unreachable")

// recordingNotifier は配送の試行を記録する。failing が立っている間は常に失敗する
type recordingNotifier struct {
	mu      sync.Mutex
	events  map[string][]reservation.Event
	failing atomic.Bool
}

func (n *recordingNotifier) Notify(ctx context.Context, event reservation.Event, r *reservation.Reservation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[r.ID] = append(n.events[r.ID], event)
	if n.failing.Load() {
		return errBrokerDown
	}
	return nil
}

func (n *recordingNotifier) eventsFor(id string) []reservation.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]reservation.Event(nil), n.events[id]...)
}

// TestServer はE2Eテスト用のサーバー
type TestServer struct {
	Echo     *echo.Echo
	Store    *memory.ReservationStore
	Clock    *clock.Manual
	Sweeper  *worker.ExpiredHoldSweeper
	Notifier *recordingNotifier
	Metrics  *metrics.Metrics
}

// NewTestServer はインメモリストアで全スタックを組み立てる
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	clk := clock.NewManual(t0)
	store := memory.NewReservationStore()
	notifier := &recordingNotifier{events: make(map[string][]reservation.Event)}

	dispatcher := worker.NewNotificationDispatcher(notifier, worker.DispatcherConfig{
		Buffer: 256, MaxAttempts: 3, RetryDelay: time.Millisecond, Metrics: m,
	})
	go dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	svc := application.NewReservationService(store,
		application.WithClock(clk),
		application.WithHoldDuration(60*time.Second),
		application.WithDispatcher(dispatcher),
		application.WithMetrics(m),
	)

	e := router.New(router.Handlers{
		Hold:        handler.NewHoldHandler(svc, clk),
		Reservation: handler.NewReservationHandler(svc),
		Health:      handler.NewHealthHandler(),
	}, router.Options{
		Metrics:  m,
		Gatherer: reg,
		// 並行テストで全リクエストが同一IPになるため制限しない
		RateLimit: config.RateLimitConfig{},
	})

	return &TestServer{
		Echo:     e,
		Store:    store,
		Clock:    clk,
		Sweeper:  worker.NewExpiredHoldSweeper(svc, time.Second, worker.WithSweepMetrics(m)),
		Notifier: notifier,
		Metrics:  m,
	}
}

func (s *TestServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func (s *TestServer) hold(t *testing.T, holder, provider string, at time.Time) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/holds", map[string]interface{}{
		"holderId":             holder,
		"resourceSpecialistId": provider,
		"scheduledAt":          at.Format(time.RFC3339),
		"durationMinutes":      30,
	})
}

func (s *TestServer) mustHold(t *testing.T, holder, provider string, at time.Time) handler.HoldResponse {
	t.Helper()
	rec := s.hold(t, holder, provider, at)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp handler.HoldResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *TestServer) confirm(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/holds/confirm", map[string]string{"reservationId": id})
}

func (s *TestServer) cancel(t *testing.T, id, reason string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/holds/cancel", map[string]string{"reservationId": id, "reason": reason})
}

func (s *TestServer) get(t *testing.T, id string) handler.ReservationResponse {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/v1/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handler.ReservationEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Reservation
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}
