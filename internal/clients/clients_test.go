package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bookwise/internal/circulation"
	"bookwise/internal/membership"
	"bookwise/internal/storage"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipClientGetMember(t *testing.T) {
	approved, pending, missing := uuid.New(), uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/members/" + approved.String():
			json.NewEncoder(w).Encode(memberResponse{ID: approved, Status: "APPROVED"})
		case "/members/" + pending.String():
			json.NewEncoder(w).Encode(memberResponse{ID: pending, Status: "PENDING"})
		case "/members/" + missing.String():
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)
	ctx := context.Background()

	m, err := c.GetMember(ctx, approved)
	require.NoError(t, err)
	assert.Equal(t, membership.Member{ID: approved, Standing: membership.StandingActive}, m)

	m, err = c.GetMember(ctx, pending)
	require.NoError(t, err)
	assert.False(t, m.Active())

	_, err = c.GetMember(ctx, missing)
	assert.ErrorIs(t, err, membership.ErrMemberNotFound)

	_, err = c.GetMember(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestMembershipClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewMembershipClient(url, time.Second).GetMember(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestNotificationClientPostsEvent(t *testing.T) {
	event := circulation.OverdueEvent{
		LoanID:     uuid.New(),
		UserID:     uuid.New(),
		TitleID:    uuid.New(),
		DueAt:      time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		DetectedAt: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}

	var (
		got    circulation.OverdueEvent
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		header = r.Header.Get(circulation.IdempotencyHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewNotificationClient(srv.URL, time.Second).NotifyOverdue(context.Background(), event))
	assert.Equal(t, event, got)
	assert.Equal(t, "overdue:"+event.LoanID.String(), header)
}

func TestNotificationClientRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewNotificationClient(srv.URL, time.Second).NotifyOverdue(context.Background(), circulation.OverdueEvent{LoanID: uuid.New()})
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrUnavailable)
}

func TestBreakerOpensAfterRepeatedOutages(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)
	for range breakerTripAfter {
		_, err := c.GetMember(context.Background(), uuid.New())
		require.ErrorIs(t, err, storage.ErrUnavailable)
	}

	_, err := c.GetMember(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerTripAfter), hits.Load())
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewMembershipClient(srv.URL, time.Second)
	for range breakerTripAfter + 1 {
		_, err := c.GetMember(context.Background(), uuid.New())
		require.ErrorIs(t, err, membership.ErrMemberNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, c.caller.breaker.State())
}
