package dentalchart

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinical-api/internal/middleware"
	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository/memory"
	"github.com/jwalitptl/clinical-api/internal/service/audit"
	"github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
	"github.com/jwalitptl/clinical-api/internal/service/dentalchart"
	"github.com/jwalitptl/clinical-api/internal/service/event"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

type chartResponse struct {
	Status string            `json:"status"`
	Data   model.DentalChart `json:"data"`
}

type viewResponse struct {
	Status string          `json:"status"`
	Data   model.ChartView `json:"data"`
}

type fixture struct {
	engine  *gin.Engine
	records *clinicalrecord.Service
	ctx     context.Context
	record  *model.ClinicalRecord
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidators())

	store := memory.NewStore()
	visit := model.Visit{ID: uuid.New(), ClinicID: uuid.New(), PatientID: uuid.New(), ClinicianID: uuid.New(), StartTime: time.Now()}
	store.PutVisit(visit)

	events := event.NewEventService(store.Outbox())
	auditor := audit.NewService(store.Audit())
	records := clinicalrecord.NewService(store.Records(), store.Visits(), events, auditor)
	charts := dentalchart.NewService(store.Records(), store.Charts(), events, auditor)

	actor := &model.Actor{ID: uuid.New(), ClinicID: visit.ClinicID, Permissions: []string{"*"}}
	engine := gin.New()
	engine.Use(middleware.ErrorHandler(), func(c *gin.Context) {
		c.Request = c.Request.WithContext(model.ContextWithActor(c.Request.Context(), actor))
		c.Next()
	})
	NewHandler(charts).RegisterRoutes(engine.Group("/api/v1"))

	ctx := model.ContextWithActor(context.Background(), actor)
	record, err := records.Open(ctx, visit.ID)
	require.NoError(t, err)

	return &fixture{engine: engine, records: records, ctx: ctx, record: record}
}

func (f *fixture) do(method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) chartPath(suffix string) string {
	return "/api/v1/clinical-records/" + f.record.ID.String() + "/dental-chart" + suffix
}

func (f *fixture) openDraft(t *testing.T) (model.DentalChart, string) {
	t.Helper()
	w := f.do(http.MethodPost, f.chartPath("/drafts"), map[string]string{"baseline": "from_last"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp chartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data, w.Header().Get("ETag")
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func toothPath(chartID uuid.UUID, fdi string) string {
	return "/api/v1/dental-charts/" + chartID.String() + "/teeth/" + fdi
}

func TestDraftEditAndConsolidate(t *testing.T) {
	f := newFixture(t)
	draft, etag := f.openDraft(t)
	assert.Equal(t, `W/"`+draft.Token+`"`, etag)

	w := f.do(http.MethodPatch, toothPath(draft.ID, "46"), map[string]interface{}{
		"condition": "caries",
		"surface":   map[string]string{"surface": "OCLUSAL", "finding": "CARIES"},
	}, "If-Match", etag)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	newTag := w.Header().Get("ETag")
	assert.NotEqual(t, etag, newTag)

	// The tag read before the patch is stale now.
	w = f.do(http.MethodPost, "/api/v1/dental-charts/"+draft.ID.String()+"/consolidate", nil, "If-Match", etag)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, apperrors.ConflictStaleToken, resp.Conflict)
	assert.Equal(t, apperrors.MsgStaleToken, resp.Message)

	var patched chartResponse
	w = f.do(http.MethodPatch, toothPath(draft.ID, "46"), map[string]interface{}{"present": true}, "If-Match", newTag)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patched))

	w = f.do(http.MethodPost, "/api/v1/dental-charts/"+draft.ID.String()+"/consolidate",
		map[string]string{"version_token": patched.Data.Token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, f.chartPath(""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view viewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.Data.Chart)
	assert.Equal(t, 1, view.Data.Chart.Version)
	assert.False(t, view.Data.Chart.Draft)
	tooth, ok := view.Data.Tooth(46)
	require.True(t, ok)
	assert.Equal(t, model.ConditionCaries, tooth.Condition)
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = f.do(http.MethodGet, f.chartPath("/versions"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":1`)
}

func TestPatchToothValidation(t *testing.T) {
	f := newFixture(t)
	draft, _ := f.openDraft(t)

	w := f.do(http.MethodPatch, toothPath(draft.ID, "99"), map[string]interface{}{"present": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPatch, toothPath(draft.ID, "abc"), map[string]interface{}{"present": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPatch, toothPath(draft.ID, "11"), map[string]interface{}{
		"surface": map[string]string{"surface": "TOP", "finding": "CARIES"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "surface", resp.Errors[0].Field)
}

func TestClosedRecordRejectsChartWrites(t *testing.T) {
	f := newFixture(t)
	draft, etag := f.openDraft(t)

	_, err := f.records.Close(f.ctx, f.record.ID, nil)
	require.NoError(t, err)

	w := f.do(http.MethodPatch, toothPath(draft.ID, "11"), map[string]interface{}{"present": false}, "If-Match", etag)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, apperrors.ConflictRecordClosed, resp.Conflict)
	assert.Equal(t, apperrors.MsgRecordClosed, resp.Message)

	w = f.do(http.MethodPost, f.chartPath("/drafts"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Recovery cannot help once the record is closed.
	w = f.do(http.MethodPost, "/api/v1/dental-charts/"+draft.ID.String()+"/consolidate?recover=true", nil, "If-Match", etag)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ConflictRecordClosed, decodeError(t, w).Conflict)
}

func TestDiscardWithQueryToken(t *testing.T) {
	f := newFixture(t)
	draft, _ := f.openDraft(t)

	w := f.do(http.MethodDelete, "/api/v1/dental-charts/"+draft.ID.String()+"?token="+draft.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/dental-charts/"+draft.ID.String()+"?token="+draft.Token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, f.chartPath("?include_draft=true"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view viewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Nil(t, view.Data.Chart)
}

func TestConsolidateRecoversStaleToken(t *testing.T) {
	f := newFixture(t)
	draft, etag := f.openDraft(t)

	w := f.do(http.MethodPatch, toothPath(draft.ID, "21"), map[string]interface{}{"condition": "CORONA"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/dental-charts/"+draft.ID.String()+"/consolidate?recover=true", nil, "If-Match", etag)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp chartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Version)
	assert.Equal(t, draft.ID, resp.Data.ID)
}

func TestRecoverEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, f.chartPath("/recover"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data model.DraftRef `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.Data.ChartID)
	assert.Equal(t, `W/"`+resp.Data.Token+`"`, w.Header().Get("ETag"))

	w = f.do(http.MethodPost, f.chartPath("/drafts"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ConflictDraftExists, decodeError(t, w).Conflict)
}
