package clinicalrecord

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/clinical-api/internal/handler"
	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
)

type Handler struct {
	service *clinicalrecord.Service
}

func NewHandler(service *clinicalrecord.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	records := r.Group("/clinical-records")
	{
		records.POST("", h.OpenRecord)
		records.GET("/:id", h.GetRecord)
		records.POST("/:id/close", h.CloseRecord)
	}

	r.GET("/patients/:id/clinical-records", h.ListPatientRecords)
	r.GET("/visits/:id/clinical-records", h.ListVisitRecords)
}

func (h *Handler) OpenRecord(c *gin.Context) {
	var req model.OpenRecordRequest
	if err := handler.BindJSON(c, &req); err != nil {
		handler.Fail(c, err)
		return
	}

	record, err := h.service.Open(c.Request.Context(), uuid.MustParse(req.VisitID))
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(record))
}

func (h *Handler) GetRecord(c *gin.Context) {
	id, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	record, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(record))
}

// CloseRecord is terminal. Open drafts on the record stay unconsolidated and
// every later chart write is refused.
func (h *Handler) CloseRecord(c *gin.Context) {
	id, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	var req model.CloseRecordRequest
	if err := handler.BindOptionalJSON(c, &req); err != nil {
		handler.Fail(c, err)
		return
	}

	record, err := h.service.Close(c.Request.Context(), id, req.Reason)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(record))
}

func (h *Handler) ListPatientRecords(c *gin.Context) {
	patientID, err := handler.ParamUUID(c, "id", "patient")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	var page model.Pagination
	if err := handler.BindQuery(c, &page); err != nil {
		handler.Fail(c, err)
		return
	}

	records, err := h.service.ListByPatient(c.Request.Context(), patientID, page)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(records))
}

func (h *Handler) ListVisitRecords(c *gin.Context) {
	visitID, err := handler.ParamUUID(c, "id", "visit")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	records, err := h.service.ListByVisit(c.Request.Context(), visitID)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(records))
}
