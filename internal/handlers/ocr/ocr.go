// Package ocr orchestrates document OCR requests end to end
package ocr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"xfinite-ocr/internal/database"
	"xfinite-ocr/internal/metrics"
	"xfinite-ocr/internal/preprocess"
	"xfinite-ocr/internal/shared"
	"xfinite-ocr/internal/vllm"

	"github.com/aidarkhanov/nanoid"
	"go.uber.org/zap"
)

// Engine is the inference side of the pipeline: bring the server up for a
// model, then route images to it.
type Engine interface {
	Ensure(ctx context.Context, modelID string) (string, error)
	Dispatch(ctx context.Context, imagePaths []string, prompt, modelID string) ([]string, error)
}

// Admitter gates a request against the daily page quota before expensive work.
type Admitter interface {
	Admit(ctx context.Context, email string, requestedPages int64) error
}

type RasterizeFunc func(ctx context.Context, path, outDir string, workers, dpi int, log *zap.SugaredLogger) ([]string, error)

type Handler struct {
	WDB        *sql.DB
	Log        *zap.SugaredLogger
	Engine     Engine
	Admission  Admitter
	UploadsDir string
	Workers    int
	DPI        int

	// injectable for tests
	rasterize RasterizeFunc
	pageCount func(path string) (int, error)
	normalize func(path, outDir string, log *zap.SugaredLogger) (string, error)
	save      func(ctx context.Context, db *sql.DB, req *database.CompletedRequest) error
	now       func() time.Time
}

func NewHandler(wdb *sql.DB, engine Engine, admission Admitter, uploadsDir string, workers, dpi int, log *zap.SugaredLogger) *Handler {
	if workers < 1 {
		workers = shared.DefaultRenderWorkers
	}
	if dpi == 0 {
		dpi = shared.DefaultRenderDPI
	}
	h := &Handler{
		WDB:        wdb,
		Log:        log,
		Engine:     engine,
		Admission:  admission,
		UploadsDir: uploadsDir,
		Workers:    workers,
		DPI:        dpi,
		rasterize:  preprocess.Rasterize,
		pageCount:  preprocess.PageCount,
		save:       database.SaveRequest,
		now:        time.Now,
	}
	h.normalize = h.normalizeImageFile
	return h
}

// ProcessInput is one submitted request: ordered uploads plus model and prompt.
type ProcessInput struct {
	User   shared.UserMetadata
	Files  []Upload
	Prompt string
	Model  string
}

// Process runs the whole pipeline: count pages, admission check, server
// ensure, rasterize, dispatch, global numbering, artifacts, persistence.
// Page- and document-scoped failures surface as inline error text with an
// overall success status; only the fatal taxonomy returns an error.
func (h *Handler) Process(ctx context.Context, in *ProcessInput) (*shared.ProcessResponse, error) {
	start := h.now()

	spec, err := vllm.Lookup(in.Model)
	if err != nil {
		return nil, shared.ErrUnsupportedModel
	}
	if len(in.Files) == 0 {
		return nil, &shared.RequestError{StatusCode: 400, Err: errors.New("no files submitted")}
	}

	requestID, _ := nanoid.Generate("0123456789abcdef", 8)
	timestamp := start.Format("20060102_150405")
	userSlug := shared.UserSlug(in.User.Email)

	requestDir, saved, err := h.saveUploads(userSlug, timestamp, requestID, in.Files)
	if err != nil {
		return nil, err
	}

	// Page counts up front; admission must see the full requested amount
	// before any rendering or inference happens.
	skipped := make(map[string]bool)
	totalRequested := int64(0)
	for i := range saved {
		switch saved[i].Type {
		case "pdf":
			count, err := h.pageCount(saved[i].Path)
			if err != nil {
				// Unreadable PDFs are document-scoped: skip this document,
				// keep its siblings.
				h.Log.Errorw("Failed counting pdf pages, skipping document",
					"file", saved[i].OriginalName, "error", err)
				skipped[saved[i].OriginalName] = true
				continue
			}
			if count == 0 {
				return nil, shared.ErrEmptyDocument
			}
			saved[i].PageCount = count
		default:
			saved[i].PageCount = 1
		}
		totalRequested += int64(saved[i].PageCount)
	}

	if err := h.Admission.Admit(ctx, in.User.Email, totalRequested); err != nil {
		var qerr *shared.QuotaExceededError
		if errors.As(err, &qerr) {
			metrics.QuotaRejections.WithLabelValues(fmt.Sprintf("%d", in.User.UserID)).Inc()
		}
		return nil, err
	}

	if _, err := h.Engine.Ensure(ctx, in.Model); err != nil {
		if errors.Is(err, vllm.ErrStartupTimeout) {
			return nil, shared.ErrServerStartupTimeout
		}
		if errors.Is(err, vllm.ErrUnsupportedModel) {
			return nil, shared.ErrUnsupportedModel
		}
		return nil, &shared.RequestError{StatusCode: 503, Err: err}
	}

	imagesDir := filepath.Join(h.UploadsDir, "images", userSlug, requestID)

	// PDFs first, each expanded in ascending page order, then standalone
	// images; global numbers are assigned at aggregation so they stay
	// independent of completion order.
	var pages []shared.Page
	for _, f := range saved {
		if f.Type != "pdf" || skipped[f.OriginalName] {
			continue
		}
		pages = append(pages, h.processPDF(ctx, f, imagesDir, in.Prompt, in.Model)...)
	}
	for _, f := range saved {
		if f.Type != "image" {
			continue
		}
		pages = append(pages, h.processImage(ctx, f, imagesDir, in.Prompt, in.Model))
	}

	for i := range pages {
		pages[i].PageNo = i + 1
	}

	resultMD := buildResultMarkdown(spec.Label, pages, saved, h.now())
	metadata := map[string]any{
		"id":          requestID,
		"filename":    joinNames(saved),
		"timestamp":   timestamp,
		"model":       spec.Label,
		"total_pages": len(pages),
		"pages":       pages,
		"savedFiles":  saved,
	}

	resultPath, metaPath, err := h.writeArtifacts(requestDir, resultMD, metadata)
	if err != nil {
		return nil, err
	}

	if err := h.save(ctx, h.WDB, &database.CompletedRequest{
		ID:         requestID,
		UserEmail:  in.User.Email,
		Model:      spec.Label,
		Prompt:     in.Prompt,
		TotalPages: len(pages),
		ResultPath: resultPath,
		MetaPath:   metaPath,
		Files:      saved,
		Pages:      pages,
		CreatedAt:  start,
	}); err != nil {
		h.Log.Errorw("Failed persisting request", "request_id", requestID, "error", err)
		return nil, shared.ErrInternalServerError
	}

	metrics.RequestCount.WithLabelValues(in.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(in.Model).Observe(time.Since(start).Seconds())

	return &shared.ProcessResponse{
		Status:     "success",
		TotalPages: len(pages),
		Pages:      pages,
		Result:     resultMD,
		Metadata:   metadata,
	}, nil
}

// processPDF renders one document and dispatches its pages. Render failures
// drop pages silently (they were never usable); dispatch failures keep the
// rendered pages and substitute error text per page.
func (h *Handler) processPDF(ctx context.Context, f shared.SavedFile, imagesDir, prompt, model string) []shared.Page {
	imagePaths, err := h.rasterize(ctx, f.Path, imagesDir, h.Workers, h.DPI, h.Log)
	if err != nil {
		h.Log.Errorw("Rasterization failed, skipping document", "file", f.OriginalName, "error", err)
		metrics.ErrorCount.WithLabelValues(model, "rasterize").Inc()
		return nil
	}
	if len(imagePaths) == 0 {
		h.Log.Warnw("Document produced zero usable pages", "file", f.OriginalName)
		return nil
	}

	texts, err := h.Engine.Dispatch(ctx, imagePaths, prompt, model)
	if err != nil {
		h.Log.Errorw("Dispatch failed, recording error pages", "file", f.OriginalName, "error", err)
		metrics.ErrorCount.WithLabelValues(model, "dispatch").Inc()
	}

	pages := make([]shared.Page, 0, len(imagePaths))
	for i, imgPath := range imagePaths {
		pdfPageNo := pageIndexFromPath(imgPath) + 1
		page := shared.Page{
			SourceType: "pdf",
			SourceFile: f.OriginalName,
			PDFPageNo:  &pdfPageNo,
		}
		switch {
		case err != nil:
			page.Text = fmt.Sprintf("OCR error: %v", err)
		case i < len(texts):
			page.Text = texts[i]
			page.Success = true
		default:
			page.Text = "OCR error: missing result for page"
		}
		pages = append(pages, page)
	}
	return pages
}

// processImage normalizes and dispatches one standalone image. Both decode
// and dispatch failures are page-scoped.
func (h *Handler) processImage(ctx context.Context, f shared.SavedFile, imagesDir, prompt, model string) shared.Page {
	page := shared.Page{
		SourceType: "image",
		SourceFile: f.OriginalName,
	}

	normalized, err := h.normalize(f.Path, imagesDir, h.Log)
	if err != nil {
		h.Log.Errorw("Failed normalizing image", "file", f.OriginalName, "error", err)
		metrics.ErrorCount.WithLabelValues(model, "decode").Inc()
		page.Text = fmt.Sprintf("OCR error: %v", err)
		return page
	}

	texts, err := h.Engine.Dispatch(ctx, []string{normalized}, prompt, model)
	if err != nil || len(texts) == 0 {
		h.Log.Errorw("Dispatch failed for image", "file", f.OriginalName, "error", err)
		metrics.ErrorCount.WithLabelValues(model, "dispatch").Inc()
		page.Text = fmt.Sprintf("OCR error: %v", err)
		return page
	}

	page.Text = texts[0]
	page.Success = true
	return page
}

// normalizeImageFile writes the normalized copy into the request's image
// directory so dispatch reads one uniform set of files.
func (h *Handler) normalizeImageFile(path, outDir string, log *zap.SugaredLogger) (string, error) {
	img, err := preprocess.NormalizeFile(path, log)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(outDir, stem+".png")
	if err := preprocess.SaveImage(img, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// pageIndexFromPath recovers the zero-based page index encoded in a rendered
// page filename (<stem>_pNNNN.png).
func pageIndexFromPath(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "_p")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[idx+2:])
	if err != nil {
		return 0
	}
	return n
}

func joinNames(files []shared.SavedFile) string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.OriginalName)
	}
	return strings.Join(names, ", ")
}
