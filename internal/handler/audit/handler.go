package audit

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinical-api/internal/handler"
	"github.com/jwalitptl/clinical-api/internal/middleware"
	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

type Handler struct {
	records *clinicalrecord.Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(records *clinicalrecord.Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{records: records, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	audit := r.Group("/clinical-records/:id/audit", h.auth.RequirePermission(model.PermissionRecordRead))
	{
		audit.GET("", h.GetRecordLogs)
		audit.GET("/export", h.ExportRecordLogs)
	}
}

func (h *Handler) GetRecordLogs(c *gin.Context) {
	logs, ok := h.recordLogs(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

// ExportRecordLogs writes the trail as a CSV attachment. Changes and metadata
// are left out; they stay available as JSON.
func (h *Handler) ExportRecordLogs(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "json" {
		handler.Fail(c, apperrors.Validation(fmt.Sprintf("unsupported format %q", format), nil))
		return
	}

	logs, ok := h.recordLogs(c)
	if !ok {
		return
	}

	filename := fmt.Sprintf("audit_%s_%s.%s", c.Param("id"), time.Now().UTC().Format("20060102_150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	if format == "json" {
		c.JSON(http.StatusOK, logs)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	writer := csv.NewWriter(c.Writer)
	_ = writer.Write([]string{"ID", "User ID", "Clinic ID", "Action", "Entity Type", "Entity ID", "Created At"})
	for _, log := range logs {
		_ = writer.Write([]string{
			log.ID.String(),
			log.UserID.String(),
			log.ClinicID.String(),
			log.Action,
			log.EntityType,
			log.EntityID.String(),
			log.CreatedAt.Format(time.RFC3339),
		})
	}
	writer.Flush()
}

func (h *Handler) recordLogs(c *gin.Context) ([]*model.AuditLog, bool) {
	recordID, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}

	var q model.AuditQuery
	if err := handler.BindQuery(c, &q); err != nil {
		handler.Fail(c, err)
		return nil, false
	}

	logs, err := h.records.History(c.Request.Context(), recordID, q)
	if err != nil {
		handler.Fail(c, err)
		return nil, false
	}
	return logs, true
}
