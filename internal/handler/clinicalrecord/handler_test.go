package clinicalrecord

import (
	"bytes"
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
	"github.com/jwalitptl/clinical-api/internal/service/event"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

type recordResponse struct {
	Status string               `json:"status"`
	Data   model.ClinicalRecord `json:"data"`
}

func setup(t *testing.T, actor *model.Actor) (*gin.Engine, model.Visit) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidators())

	store := memory.NewStore()
	visit := model.Visit{ID: uuid.New(), ClinicID: uuid.New(), PatientID: uuid.New(), ClinicianID: uuid.New(), StartTime: time.Now()}
	store.PutVisit(visit)
	if actor.ClinicID == uuid.Nil {
		actor.ClinicID = visit.ClinicID
	}

	svc := clinicalrecord.NewService(store.Records(), store.Visits(),
		event.NewEventService(store.Outbox()), audit.NewService(store.Audit()))

	engine := gin.New()
	engine.Use(middleware.ErrorHandler(), func(c *gin.Context) {
		c.Request = c.Request.WithContext(model.ContextWithActor(c.Request.Context(), actor))
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(engine.Group("/api/v1"))
	return engine, visit
}

func do(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestOpenAndCloseRecord(t *testing.T) {
	engine, visit := setup(t, &model.Actor{ID: uuid.New(), Permissions: []string{"*"}})

	w := do(engine, http.MethodPost, "/api/v1/clinical-records", map[string]string{"visit_id": visit.ID.String()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened recordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, model.RecordStateOpen, opened.Data.State)
	assert.Equal(t, visit.PatientID, opened.Data.PatientID)

	path := "/api/v1/clinical-records/" + opened.Data.ID.String()
	w = do(engine, http.MethodPost, path+"/close", map[string]string{"reason": "treatment finished"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed recordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.Equal(t, model.RecordStateClosed, closed.Data.State)
	require.NotNil(t, closed.Data.ClosureReason)
	assert.Equal(t, "treatment finished", *closed.Data.ClosureReason)

	w = do(engine, http.MethodPost, path+"/close", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	var errResp middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, apperrors.ConflictRecordClosed, errResp.Conflict)

	w = do(engine, http.MethodGet, "/api/v1/patients/"+visit.PatientID.String()+"/clinical-records?page=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), opened.Data.ID.String())

	w = do(engine, http.MethodGet, "/api/v1/visits/"+visit.ID.String()+"/clinical-records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), opened.Data.ID.String())
}

func TestOpenRecordErrors(t *testing.T) {
	engine, _ := setup(t, &model.Actor{ID: uuid.New(), Permissions: []string{"*"}})

	w := do(engine, http.MethodPost, "/api/v1/clinical-records", map[string]string{"visit_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(engine, http.MethodPost, "/api/v1/clinical-records", map[string]string{"visit_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(engine, http.MethodGet, "/api/v1/clinical-records/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(engine, http.MethodGet, "/api/v1/clinical-records/bad", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenRecordRequiresPermission(t *testing.T) {
	engine, visit := setup(t, &model.Actor{ID: uuid.New(), Permissions: []string{model.PermissionRecordRead}})

	w := do(engine, http.MethodPost, "/api/v1/clinical-records", map[string]string{"visit_id": visit.ID.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
