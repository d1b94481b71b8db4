package saga

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

func TestStatusHandler(t *testing.T) {
	tr := NewTracker()
	tr.Begin(messaging.Envelope{TransactionID: "t-1", UserID: "u-1"})
	tr.Emitted("t-1", messaging.TypeFundsReserved)
	tr.Stall("t-1", errors.New("broker down"), 5)
	tr.Begin(messaging.Envelope{TransactionID: "t-2"})
	h := NewStatusHandler(tr)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas/t-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, StatusStalled, run.Status)
	assert.Equal(t, []string{messaging.TypeFundsReserved}, run.Emitted)
	assert.Equal(t, "broker down", run.LastError)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas?status=stalled", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "t-1", list.Runs[0].TransactionID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sagas?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
