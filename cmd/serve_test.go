package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidlab-io/corpus-cli/internal/checkpoint"
	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
)

// fakeLedger serves canned rows for handler tests.
type fakeLedger struct {
	ledger.Noop
	runs     []ledger.Run
	attempts []model.ProviderAttempt
}

func (f *fakeLedger) ListRuns(context.Context, ledger.RunFilter) ([]ledger.Run, error) {
	return f.runs, nil
}

func (f *fakeLedger) GetRun(_ context.Context, runID string) (*ledger.Run, error) {
	for i := range f.runs {
		if f.runs[i].RunID == runID {
			return &f.runs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) ListAttempts(context.Context, string) ([]model.ProviderAttempt, error) {
	return f.attempts, nil
}

const testRunID = "20260102T030405Z"

func newTestLedger() *fakeLedger {
	return &fakeLedger{
		runs: []ledger.Run{{
			RunID:     testRunID,
			Status:    model.RunStatusComplete,
			Units:     2,
			UpdatedAt: time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC),
		}},
		attempts: []model.ProviderAttempt{
			{Provider: "web_comments", Unit: "dQw4w9WgXcQ", Outcome: model.AttemptOK, Items: 10},
		},
	}
}

func TestServeHealth(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeListRuns(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))

	require.Equal(t, 200, rec.Code)
	var runs []ledger.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, testRunID, runs[0].RunID)
}

func TestServeGetRun(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/"+testRunID, nil))

	require.Equal(t, 200, rec.Code)
	var run ledger.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestServeGetRunUnknownID(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/20990101T000000Z", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestServeRejectsMalformedRunID(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/not-a-run-id", nil))
	assert.Equal(t, 400, rec.Code)
}

func TestServeGetCheckpoint(t *testing.T) {
	outputDir := t.TempDir()
	runDir := filepath.Join(outputDir, testRunID)
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	cp, err := checkpoint.Load(runDir)
	require.NoError(t, err)
	require.NoError(t, cp.Mark("dQw4w9WgXcQ", "collect_comments_top", checkpoint.StatusDone, ""))

	router := newStatusRouter(newTestLedger(), outputDir, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/"+testRunID+"/checkpoint", nil))

	require.Equal(t, 200, rec.Code)
	var out map[string]map[string]checkpoint.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, checkpoint.StatusDone, out["dQw4w9WgXcQ"]["collect_comments_top"].Status)
}

func TestServeListAttempts(t *testing.T) {
	router := newStatusRouter(newTestLedger(), t.TempDir(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/"+testRunID+"/attempts", nil))

	require.Equal(t, 200, rec.Code)
	var attempts []model.ProviderAttempt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "web_comments", attempts[0].Provider)
}
