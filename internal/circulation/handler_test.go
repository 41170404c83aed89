package circulation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bookwise/internal/catalog"
	"bookwise/internal/membership"
	"bookwise/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func (m *memoryIdempotency) Lookup(_ context.Context, key string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *memoryIdempotency) Remember(_ context.Context, key string, loanID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = loanID
	return nil
}

func newTestServer(t *testing.T, svc Service, opts ...HandlerOption) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	opts = append([]HandlerOption{WithHandlerLogger(zerolog.Nop())}, opts...)
	NewHandler(svc, opts...).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func borrowBody(user, title uuid.UUID) string {
	return `{"user_id":"` + user.String() + `","title_id":"` + title.String() + `"}`
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleBorrowAndReturn(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine)
	title := f.title(t, 1)
	user := f.member(membership.StandingActive)

	resp := postJSON(t, srv.URL+"/loans", borrowBody(user, title), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loan := decode[Loan](t, resp)
	assert.Equal(t, StatusBorrowed, loan.Status)
	assert.Equal(t, title, loan.TitleID)

	resp = postJSON(t, srv.URL+"/loans/"+loan.ID.String()+"/return", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusReturned, decode[Loan](t, resp).Status)

	resp = postJSON(t, srv.URL+"/loans/"+loan.ID.String()+"/return", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleBorrowDenied(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine)
	title := f.title(t, 0)

	resp := postJSON(t, srv.URL+"/loans", borrowBody(f.member(membership.StandingActive), title), nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[deniedResponse](t, resp)
	assert.True(t, body.Denied)
	assert.Equal(t, ReasonNoCopiesAvailable, body.Reason)
	assert.NotEmpty(t, body.Message)
}

func TestHandleBorrowValidation(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine)

	resp := postJSON(t, srv.URL+"/loans", `{"user_id":"nope"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Contains(t, body.Error, "user_id must be a UUID")
	assert.Contains(t, body.Error, "title_id is required")

	resp = postJSON(t, srv.URL+"/loans", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleBorrowIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine, WithIdempotency(&memoryIdempotency{keys: map[string]uuid.UUID{}}))
	title := f.title(t, 2)
	user := f.member(membership.StandingActive)
	header := http.Header{IdempotencyHeader: []string{"retry-1"}}

	first := postJSON(t, srv.URL+"/loans", borrowBody(user, title), header)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	original := decode[Loan](t, first)

	replay := postJSON(t, srv.URL+"/loans", borrowBody(user, title), header)
	require.Equal(t, http.StatusOK, replay.StatusCode)
	assert.Equal(t, original.ID, decode[Loan](t, replay).ID)
	assert.Equal(t, 1, f.available(t, title), "replay must not reserve again")

	// Without the key the core answers with the denial.
	plain := postJSON(t, srv.URL+"/loans", borrowBody(user, title), nil)
	require.Equal(t, http.StatusUnprocessableEntity, plain.StatusCode)
	assert.Equal(t, ReasonAlreadyBorrowed, decode[deniedResponse](t, plain).Reason)
}

func TestHandleBorrowIdempotencyKeyReusedForOtherTitle(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine, WithIdempotency(&memoryIdempotency{keys: map[string]uuid.UUID{}}))
	first, second := f.title(t, 1), f.title(t, 1)
	user := f.member(membership.StandingActive)
	header := http.Header{IdempotencyHeader: []string{"k1"}}

	resp := postJSON(t, srv.URL+"/loans", borrowBody(user, first), header)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/loans", borrowBody(user, second), header)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "different title")
	assert.Equal(t, 1, f.available(t, second), "no copy of the second title may be reserved")
}

func TestHandleGetLoanHistoryAndAvailability(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine)
	title := f.title(t, 3)
	loan := f.mustBorrow(t, f.member(membership.StandingActive), title)

	resp, err := http.Get(srv.URL + "/loans/" + loan.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, loan.ID, decode[Loan](t, resp).ID)

	resp, err = http.Get(srv.URL + "/loans/" + loan.ID.String() + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]LoanEvent](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, EventLoanBorrowed, history[0].Type)

	resp, err = http.Get(srv.URL + "/titles/" + title.String() + "/availability")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, catalog.Availability{Total: 3, Available: 2}, decode[catalog.Availability](t, resp))
}

func TestHandleErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.engine)

	cases := []struct {
		path string
		want int
	}{
		{"/loans/" + uuid.NewString(), http.StatusNotFound},
		{"/loans/not-a-uuid", http.StatusBadRequest},
		{"/titles/" + uuid.NewString() + "/availability", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, tc.path)
	}

	resp := postJSON(t, srv.URL+"/loans", borrowBody(uuid.New(), f.title(t, 1)), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStoreUnavailableAndConflict(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	user := f.member(membership.StandingActive)

	ledger := &faultyLedger{LoanLedger: f.ledger, createErr: storage.ErrUnavailable}
	srv := newTestServer(t, NewEngine(f.inventory, ledger, f.members, WithClock(f.clock)))
	resp := postJSON(t, srv.URL+"/loans", borrowBody(user, title), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ledger.createErr = ErrConflict
	resp = postJSON(t, srv.URL+"/loans", borrowBody(user, title), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "please retry")
	assert.Equal(t, 1, f.available(t, title))
}

func TestHandleReturnPendingRelease(t *testing.T) {
	f := newFixture(t)
	loan := f.mustBorrow(t, f.member(membership.StandingActive), f.title(t, 1))
	inventory := &faultyInventory{InventoryStore: f.inventory, releaseErr: storage.ErrUnavailable}
	srv := newTestServer(t, NewEngine(inventory, f.ledger, f.members, WithClock(f.clock)))

	resp := postJSON(t, srv.URL+"/loans/"+loan.ID.String()+"/return", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, StatusReturned, decode[Loan](t, resp).Status)
}
