package routers

import (
	"database/sql"
	"net/http"
	"strconv"

	"xfinite-ocr/internal/admission"
	"xfinite-ocr/internal/ctx"
	"xfinite-ocr/internal/database"
	"xfinite-ocr/internal/handlers/ocr"
	"xfinite-ocr/internal/middleware"
	"xfinite-ocr/internal/shared"
	"xfinite-ocr/internal/vllm"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type OCRRouter struct {
	oh         *ocr.Handler
	admission  *admission.Controller
	supervisor *vllm.Supervisor
	rdb        *sql.DB
	log        *zap.SugaredLogger
}

type OCRRouterConfig struct {
	UploadsDir    string
	RenderWorkers int
	RenderDPI     int
	DailyLimit    int64
}

func RegisterOCRRoutes(e *echo.Group, wdb *sql.DB, rdb *sql.DB, engine *vllm.Engine, umw *middleware.UserMiddleware, cfg OCRRouterConfig, log *zap.SugaredLogger) error {
	controller := admission.NewController(admission.NewSQLLedger(rdb), cfg.DailyLimit, log)
	handler := ocr.NewHandler(wdb, engine, controller, cfg.UploadsDir, cfg.RenderWorkers, cfg.RenderDPI, log)

	or := OCRRouter{
		oh:         handler,
		admission:  controller,
		supervisor: engine.Supervisor,
		rdb:        rdb,
		log:        log,
	}

	e.GET("/health", or.Health)

	requireUser := e.Group("", umw.ExtractUser, umw.RequireUser)
	requireUser.POST("/process", or.Process)
	requireUser.GET("/usage", or.Usage)
	requireUser.GET("/history", or.History)

	return nil
}

// Process accepts a multipart form with one or more files plus model and
// prompt fields, and runs the full pipeline synchronously.
func (or *OCRRouter) Process(cc echo.Context) error {
	c := cc.(*ctx.Context)

	form, err := c.MultipartForm()
	if err != nil {
		c.LogValues.AddError(err)
		return c.JSON(http.StatusBadRequest, shared.APIError{
			Message: "invalid multipart form",
			Object:  "error",
			Type:    "BadRequest",
			Code:    http.StatusBadRequest,
		})
	}

	uploads := make([]ocr.Upload, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		src, err := fh.Open()
		if err != nil {
			c.LogValues.AddError(err)
			return c.JSON(http.StatusBadRequest, shared.APIError{
				Message: "failed reading uploaded file",
				Object:  "error",
				Type:    "BadRequest",
				Code:    http.StatusBadRequest,
			})
		}
		defer func() {
			_ = src.Close()
		}()
		uploads = append(uploads, ocr.Upload{OriginalName: fh.Filename, Reader: src})
	}

	model := c.FormValue("model")
	prompt := c.FormValue("prompt")

	output, err := or.oh.Process(c.Request().Context(), &ocr.ProcessInput{
		User:   *c.User,
		Files:  uploads,
		Prompt: prompt,
		Model:  model,
	})
	if err != nil {
		return writeRequestError(c, err)
	}

	failed := 0
	for _, p := range output.Pages {
		if !p.Success {
			failed++
		}
	}
	c.LogValues.OCRInfo = &ctx.OCRInfo{
		Model:      model,
		RequestID:  c.Reqid,
		Documents:  len(uploads),
		TotalPages: output.TotalPages,
		FailedOps:  failed,
	}

	return c.JSON(http.StatusOK, output)
}

func (or *OCRRouter) Usage(cc echo.Context) error {
	c := cc.(*ctx.Context)

	used, remaining, err := or.admission.Usage(c.Request().Context(), c.User.Email)
	if err != nil {
		return writeRequestError(c, err)
	}

	return c.JSON(http.StatusOK, shared.UsageResponse{
		Used:      used,
		Limit:     or.admission.Limit(),
		Remaining: remaining,
	})
}

func (or *OCRRouter) History(cc echo.Context) error {
	c := cc.(*ctx.Context)

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return c.JSON(http.StatusBadRequest, shared.APIError{
				Message: "limit must be between 1 and 200",
				Object:  "error",
				Type:    "BadRequest",
				Code:    http.StatusBadRequest,
			})
		}
		limit = n
	}

	entries, err := database.History(c.Request().Context(), or.rdb, c.User.Email, limit)
	if err != nil {
		return writeRequestError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{"requests": entries})
}

type healthModel struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type healthResponse struct {
	Status      string        `json:"status"`
	ServerState string        `json:"server_state"`
	ActiveModel string        `json:"active_model,omitempty"`
	Models      []healthModel `json:"models"`
}

func (or *OCRRouter) Health(cc echo.Context) error {
	c := cc.(*ctx.Context)

	models := []healthModel{}
	for _, spec := range vllm.Variants() {
		models = append(models, healthModel{ID: spec.ID, Label: spec.Label})
	}

	state, model := or.supervisor.Status()
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		ServerState: state.String(),
		ActiveModel: model,
		Models:      models,
	})
}
