package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/distress.report/internal/db"
	"github.com/banshee-data/distress.report/internal/flood"
	"github.com/banshee-data/distress.report/internal/httputil"
	"github.com/banshee-data/distress.report/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := db.NewFromSQL(sqlDB)
	pl := &pipeline.Pipeline{DB: database}
	return NewServer(database, pl, t.TempDir()), mock
}

func TestListParcelsRequiresCounty(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/parcels?state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "county")
}

func TestListParcelsRejectsBadFloat(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet,
		"/api/parcels?county=MECKLENBURG&state=NC&min_conviction=high", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListParcelsMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/parcels?county=MECKLENBURG&state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestShowProgress(t *testing.T) {
	s, mock := newTestServer(t)

	rows := sqlmock.NewRows([]string{
		"count", "scanned", "slope_done", "sentinel_worthy",
		"enriched", "vacancy_checked", "conviction_done", "max",
	}).AddRow(1000, 600, 400, 120, 80, 40, 1000, 8.7)
	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs("MECKLENBURG", "NC").
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/progress?county=MECKLENBURG&state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var progress db.CountyProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, 1000, progress.Total)
	assert.Equal(t, 600, progress.Scanned)
	require.NotNil(t, progress.MaxConviction)
	assert.Equal(t, 8.7, *progress.MaxConviction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupFlood(t *testing.T) {
	s, _ := newTestServer(t)

	mockHTTP := httputil.NewMockHTTPClient()
	mockHTTP.AddResponse(200, `{"features": [{"attributes": {
		"FLD_ZONE": "AE", "SFHA_TF": "T", "ZONE_SUBTY": "", "FLD_AR_ID": "F-1"
	}}]}`)
	s.pipeline.Flood = flood.NewClient(mockHTTP, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/flood?lat=35.2271&lng=-80.8431", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "AE", body["zone"])
	assert.Equal(t, "high", body["risk_tier"])
}

func TestLookupFloodRequiresPoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/flood?lat=35.2271", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunPassRejectsGet(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/run/scan?county=MECKLENBURG&state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRunPassConflictWhileRunning(t *testing.T) {
	s, _ := newTestServer(t)
	s.runMu.Lock()
	defer s.runMu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/api/run/conviction?county=MECKLENBURG&state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunConviction(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM motivation_scores`).
		WithArgs("MECKLENBURG", "NC").
		WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectExec(`INSERT INTO motivation_scores`).
		WithArgs("MECKLENBURG", "NC").
		WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectCommit()
	mock.ExpectQuery(`LEFT JOIN motivation_scores`).
		WithArgs("MECKLENBURG", "NC").
		WillReturnRows(sqlmock.NewRows([]string{
			"parcel_id", "county", "state", "composite_score",
			"raw_score", "signal_count", "signal_codes",
			"flag_vacancy", "vacancy_confidence", "usps_error",
		}).AddRow("P-1", "MECKLENBURG", "NC", 8.0, 4.0, 2, "absentee_owner,tax_delinquent", true, 0.9, nil))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`UPDATE gis_parcels_core SET\s+conviction_score`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/api/run/conviction?county=MECKLENBURG&state=NC", nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stats pipeline.ConvictionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Scored)
	assert.Equal(t, 1, stats.Rankable)
}
