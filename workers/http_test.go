package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopegbridge/queue"
	"gopegbridge/types"
)

type fakeEnqueuer struct {
	jobs []*queue.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(job *queue.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestAPI(t *testing.T, store Store) (*httptest.Server, *fakeEnqueuer) {
	q := &fakeEnqueuer{}
	srv := httptest.NewServer(NewAPI(store, q, testLogger(t)).Router())
	t.Cleanup(srv.Close)
	return srv, q
}

func TestAPICreateTransfer(t *testing.T) {
	store := newFakeStore()
	srv, q := newTestAPI(t, store)

	resp, err := http.Post(srv.URL+"/transfers", "application/json",
		strings.NewReader(`{"direction":"forward","derivedWalletId":7}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got types.TransferRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, "USDT", got.TickerFrom)
	assert.Equal(t, "FINTEH.USDT", got.TickerTo)
	_, err = uuid.Parse(got.JobID)
	assert.NoError(t, err)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, queue.JobTransferForward, q.jobs[0].Name)
	assert.Equal(t, got.JobID, q.jobs[0].ID)

	stored, err := store.LoadByJobID(context.Background(), got.JobID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, stored.DerivedWallet.ID)
}

func TestAPICreateTransferRejectsBadDirection(t *testing.T) {
	srv, q := newTestAPI(t, newFakeStore())

	resp, err := http.Post(srv.URL+"/transfers", "application/json",
		strings.NewReader(`{"direction":"sideways","derivedWalletId":7}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, q.jobs)
}

func TestAPIGetTransfer(t *testing.T) {
	rec := newTestRecord("job-1", types.StatusIssuePending)
	srv, _ := newTestAPI(t, newFakeStore(rec))

	resp, err := http.Get(srv.URL + "/transfers/job-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got types.TransferRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, types.StatusIssuePending, got.Status)
}

func TestAPIGetTransferNotFound(t *testing.T) {
	srv, _ := newTestAPI(t, newFakeStore())

	resp, err := http.Get(srv.URL + "/transfers/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIListByStatus(t *testing.T) {
	a := newTestRecord("job-1", types.StatusReceivePending)
	b := newTestRecord("job-2", types.StatusOk)
	b.ID = 2
	srv, _ := newTestAPI(t, newFakeStore(a, b))

	resp, err := http.Get(srv.URL + "/transfers/status/receive_pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Count     int                     `json:"count"`
		Transfers []*types.TransferRecord `json:"transfers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "job-1", got.Transfers[0].JobID)
}

func TestAPIListRejectsUnknownStatus(t *testing.T) {
	srv, _ := newTestAPI(t, newFakeStore())

	resp, err := http.Get(srv.URL + "/transfers/status/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
