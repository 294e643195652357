package dentalchart

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinical-api/internal/handler"
	"github.com/jwalitptl/clinical-api/internal/model"
	"github.com/jwalitptl/clinical-api/internal/service/dentalchart"
)

// HeaderDraftChartID names the draft a recovered request ended up holding.
const HeaderDraftChartID = "X-Draft-Chart-ID"

type Handler struct {
	service *dentalchart.Service
}

func NewHandler(service *dentalchart.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	chart := r.Group("/clinical-records/:id/dental-chart")
	{
		chart.GET("", h.GetChart)
		chart.GET("/versions", h.ListVersions)
		chart.POST("/drafts", h.OpenDraft)
		chart.POST("/recover", h.Recover)
	}

	charts := r.Group("/dental-charts")
	{
		charts.POST("/:chartId/consolidate", h.Consolidate)
		charts.DELETE("/:chartId", h.Discard)
		charts.PATCH("/:chartId/teeth/:fdi", h.PatchTooth)
	}
}

func (h *Handler) GetChart(c *gin.Context) {
	recordID, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}
	includeDraft, err := handler.QueryBool(c, "include_draft")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	view, err := h.service.GetChart(c.Request.Context(), recordID, includeDraft)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	if view.Chart != nil {
		handler.SetETag(c, view.Chart.Token)
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(view))
}

func (h *Handler) ListVersions(c *gin.Context) {
	recordID, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	versions, err := h.service.ListVersions(c.Request.Context(), recordID)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(versions))
}

func (h *Handler) OpenDraft(c *gin.Context) {
	recordID, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	var req model.OpenDraftRequest
	if err := handler.BindOptionalJSON(c, &req); err != nil {
		handler.Fail(c, err)
		return
	}

	draft, err := h.service.OpenDraft(c.Request.Context(), recordID, req.Baseline)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	handler.SetETag(c, draft.Token)
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(draft))
}

// Recover hands back the record's current draft, opening one if needed.
func (h *Handler) Recover(c *gin.Context) {
	recordID, err := handler.ParamUUID(c, "id", "clinical record")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	ref, err := h.service.Recover(c.Request.Context(), recordID)
	if err != nil {
		handler.Fail(c, err)
		return
	}

	handler.SetETag(c, ref.Token)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(ref))
}

func (h *Handler) Consolidate(c *gin.Context) {
	chartID, err := handler.ParamUUID(c, "chartId", "dental chart")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	token := handler.IfMatch(c)
	if token == "" {
		var req model.TokenRequest
		if err := handler.BindOptionalJSON(c, &req); err != nil {
			handler.Fail(c, err)
			return
		}
		token = req.Token
	}

	var chart *model.DentalChart
	if recoverRequested(c) {
		session := h.service.NewSession(model.DraftRef{ChartID: chartID, Token: token})
		chart, err = session.Consolidate(c.Request.Context())
		exposeRef(c, session.Ref())
	} else {
		chart, err = h.service.Consolidate(c.Request.Context(), chartID, token)
	}
	if err != nil {
		handler.Fail(c, err)
		return
	}

	handler.SetETag(c, chart.Token)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(chart))
}

func (h *Handler) Discard(c *gin.Context) {
	chartID, err := handler.ParamUUID(c, "chartId", "dental chart")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	token := handler.IfMatch(c)
	if token == "" {
		token = c.Query("token")
	}

	if recoverRequested(c) {
		session := h.service.NewSession(model.DraftRef{ChartID: chartID, Token: token})
		err = session.Discard(c.Request.Context())
		exposeRef(c, session.Ref())
	} else {
		err = h.service.Discard(c.Request.Context(), chartID, token)
	}
	if err != nil {
		handler.Fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// PatchTooth applies one tooth patch. If-Match is optional here; without it
// the write lands on whatever the draft currently holds.
func (h *Handler) PatchTooth(c *gin.Context) {
	chartID, err := handler.ParamUUID(c, "chartId", "dental chart")
	if err != nil {
		handler.Fail(c, err)
		return
	}
	fdi, err := handler.ParamInt(c, "fdi")
	if err != nil {
		handler.Fail(c, err)
		return
	}

	var req model.ToothPatchRequest
	if err := handler.BindJSON(c, &req); err != nil {
		handler.Fail(c, err)
		return
	}
	patch := model.NewToothPatch(fdi, req)
	token := handler.IfMatch(c)

	var chart *model.DentalChart
	if recoverRequested(c) {
		session := h.service.NewSession(model.DraftRef{ChartID: chartID, Token: token})
		chart, err = session.MutateTooth(c.Request.Context(), patch)
		exposeRef(c, session.Ref())
	} else {
		chart, err = h.service.MutateTooth(c.Request.Context(), chartID, patch, token)
	}
	if err != nil {
		handler.Fail(c, err)
		return
	}

	handler.SetETag(c, chart.Token)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(chart))
}

func recoverRequested(c *gin.Context) bool {
	ok, _ := handler.QueryBool(c, "recover")
	return ok
}

// exposeRef tells the client which draft to continue with after a recovered
// request, including when the retry itself failed.
func exposeRef(c *gin.Context, ref model.DraftRef) {
	if ref.IsZero() {
		return
	}
	c.Header(HeaderDraftChartID, ref.ChartID.String())
	handler.SetETag(c, ref.Token)
}
