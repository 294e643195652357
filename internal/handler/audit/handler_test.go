package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinical-api/internal/middleware"
	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/repository/memory"
	auditService "github.com/jwalitptl/clinical-api/internal/service/audit"
	"github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
	"github.com/jwalitptl/clinical-api/internal/service/event"
)

type logsResponse struct {
	Status string           `json:"status"`
	Data   []model.AuditLog `json:"data"`
}

type fixture struct {
	engine *gin.Engine
	record *model.ClinicalRecord
	actor  *model.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidators())

	store := memory.NewStore()
	visit := model.Visit{ID: uuid.New(), ClinicID: uuid.New(), PatientID: uuid.New(), ClinicianID: uuid.New(), StartTime: time.Now()}
	store.PutVisit(visit)
	svc := clinicalrecord.NewService(store.Records(), store.Visits(),
		event.NewEventService(store.Outbox()), auditService.NewService(store.Audit()))

	f := &fixture{actor: &model.Actor{ID: uuid.New(), ClinicID: visit.ClinicID, Permissions: []string{"*"}}}
	ctx := model.ContextWithActor(context.Background(), f.actor)
	record, err := svc.Open(ctx, visit.ID)
	require.NoError(t, err)
	_, err = svc.Close(ctx, record.ID, nil)
	require.NoError(t, err)
	f.record = record

	f.engine = gin.New()
	f.engine.Use(middleware.ErrorHandler(), middleware.Validation(), func(c *gin.Context) {
		c.Request = c.Request.WithContext(model.ContextWithActor(c.Request.Context(), f.actor))
		c.Next()
	})
	NewHandler(svc, middleware.NewAuthMiddleware(nil)).RegisterRoutes(f.engine.Group("/api/v1"))
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGetRecordLogs(t *testing.T) {
	f := setup(t)
	base := "/api/v1/clinical-records/" + f.record.ID.String() + "/audit"

	w := f.get(base)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp logsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, model.AuditActionClose, resp.Data[0].Action)
	assert.Equal(t, model.AuditActionOpen, resp.Data[1].Action)
	assert.Equal(t, f.actor.ID, resp.Data[0].UserID)

	w = f.get(base + "?action=open")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, model.AuditActionOpen, resp.Data[0].Action)

	assert.Equal(t, http.StatusBadRequest, f.get(base+"?limit=501").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(base+"?action=delete").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/api/v1/clinical-records/bad/audit").Code)
	assert.Equal(t, http.StatusNotFound, f.get("/api/v1/clinical-records/"+uuid.NewString()+"/audit").Code)
}

func TestRecordLogsRequireReadPermission(t *testing.T) {
	f := setup(t)
	f.actor.Permissions = []string{model.PermissionChartRead}

	w := f.get("/api/v1/clinical-records/" + f.record.ID.String() + "/audit")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExportRecordLogs(t *testing.T) {
	f := setup(t)
	base := "/api/v1/clinical-records/" + f.record.ID.String() + "/audit/export"

	w := f.get(base)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), f.record.ID.String())

	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Action", rows[0][3])
	assert.Equal(t, model.AuditActionClose, rows[1][3])

	w = f.get(base + "?format=json")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []model.AuditLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 2)

	assert.Equal(t, http.StatusBadRequest, f.get(base+"?format=xml").Code)
}
