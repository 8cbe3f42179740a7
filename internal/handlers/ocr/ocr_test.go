package ocr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xfinite-ocr/internal/database"
	"xfinite-ocr/internal/shared"
	"xfinite-ocr/internal/vllm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEngine struct {
	ensureErr   error
	dispatchErr error
	dispatched  [][]string
	prompts     []string
}

func (s *stubEngine) Ensure(ctx context.Context, modelID string) (string, error) {
	if s.ensureErr != nil {
		return "", s.ensureErr
	}
	return "http://127.0.0.1:8001/v1", nil
}

func (s *stubEngine) Dispatch(ctx context.Context, imagePaths []string, prompt, modelID string) ([]string, error) {
	s.dispatched = append(s.dispatched, imagePaths)
	s.prompts = append(s.prompts, prompt)
	if s.dispatchErr != nil {
		return nil, s.dispatchErr
	}
	texts := make([]string, len(imagePaths))
	for i, p := range imagePaths {
		texts[i] = "text from " + filepath.Base(p)
	}
	return texts, nil
}

type stubAdmitter struct {
	err   error
	asked int64
}

func (s *stubAdmitter) Admit(ctx context.Context, email string, requestedPages int64) error {
	s.asked = requestedPages
	return s.err
}

// newTestHandler wires a handler whose preprocessing and persistence are all
// in-memory stand-ins. pdfPages maps a saved pdf basename to its page count;
// renderFail marks zero-based pdf page indexes that fail to render.
func newTestHandler(t *testing.T, engine *stubEngine, admit *stubAdmitter, pdfPages map[string]int, renderFail map[int]bool) (*Handler, *database.CompletedRequest) {
	t.Helper()

	saved := &database.CompletedRequest{}
	h := &Handler{
		Log:        zap.NewNop().Sugar(),
		Engine:     engine,
		Admission:  admit,
		UploadsDir: t.TempDir(),
		Workers:    2,
		DPI:        72,
		now:        func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	}
	h.pageCount = func(path string) (int, error) {
		n, ok := pdfPages[filepath.Base(path)]
		if !ok {
			return 0, errors.New("corrupt xref table")
		}
		return n, nil
	}
	h.rasterize = func(ctx context.Context, path, outDir string, workers, dpi int, log *zap.SugaredLogger) ([]string, error) {
		n := pdfPages[filepath.Base(path)]
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		out := []string{}
		for p := 0; p < n; p++ {
			if renderFail[p] {
				continue
			}
			out = append(out, filepath.Join(outDir, fmt.Sprintf("%s_p%04d.png", stem, p)))
		}
		return out, nil
	}
	h.normalize = func(path, outDir string, log *zap.SugaredLogger) (string, error) {
		return path, nil
	}
	h.save = func(ctx context.Context, db *sql.DB, req *database.CompletedRequest) error {
		*saved = *req
		return nil
	}
	return h, saved
}

func upload(name string) Upload {
	return Upload{OriginalName: name, Reader: strings.NewReader("payload of " + name)}
}

func testUser() shared.UserMetadata {
	return shared.UserMetadata{Email: "u@example.com", UserID: 7, Name: "U"}
}

func TestProcessMixedDocumentOrdering(t *testing.T) {
	engine := &stubEngine{}
	admit := &stubAdmitter{}
	h, saved := newTestHandler(t, engine, admit, map[string]int{"doc.pdf": 3}, nil)

	resp, err := h.Process(context.Background(), &ProcessInput{
		User:   testUser(),
		Files:  []Upload{upload("doc.pdf"), upload("a.png"), upload("b.jpg")},
		Prompt: "Extract the text",
		Model:  "xf1-standard",
	})
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 5, resp.TotalPages)
	require.Len(t, resp.Pages, 5)

	for i, p := range resp.Pages {
		assert.Equal(t, i+1, p.PageNo)
		assert.True(t, p.Success)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, "pdf", resp.Pages[i].SourceType)
		assert.Equal(t, "doc.pdf", resp.Pages[i].SourceFile)
		require.NotNil(t, resp.Pages[i].PDFPageNo)
		assert.Equal(t, i+1, *resp.Pages[i].PDFPageNo)
	}
	assert.Equal(t, "image", resp.Pages[3].SourceType)
	assert.Equal(t, "a.png", resp.Pages[3].SourceFile)
	assert.Nil(t, resp.Pages[3].PDFPageNo)
	assert.Equal(t, "b.jpg", resp.Pages[4].SourceFile)

	assert.EqualValues(t, 5, admit.asked)
	assert.Equal(t, 5, saved.TotalPages)
	assert.Equal(t, "u@example.com", saved.UserEmail)
}

func TestProcessRenderFailureRenumbers(t *testing.T) {
	engine := &stubEngine{}
	h, _ := newTestHandler(t, engine, &stubAdmitter{}, map[string]int{"doc.pdf": 3}, map[int]bool{1: true})

	resp, err := h.Process(context.Background(), &ProcessInput{
		User:   testUser(),
		Files:  []Upload{upload("doc.pdf")},
		Prompt: "read this",
		Model:  "xf1-standard",
	})
	require.NoError(t, err)

	require.Len(t, resp.Pages, 2)
	assert.Equal(t, 1, resp.Pages[0].PageNo)
	assert.Equal(t, 2, resp.Pages[1].PageNo)
	assert.Equal(t, 1, *resp.Pages[0].PDFPageNo)
	assert.Equal(t, 3, *resp.Pages[1].PDFPageNo)
	assert.True(t, resp.Pages[0].Success)
	assert.True(t, resp.Pages[1].Success)
}

func TestProcessQuotaRejection(t *testing.T) {
	admit := &stubAdmitter{err: &shared.QuotaExceededError{Remaining: 2, Requested: 3}}
	engine := &stubEngine{}
	h, _ := newTestHandler(t, engine, admit, map[string]int{"doc.pdf": 3}, nil)

	_, err := h.Process(context.Background(), &ProcessInput{
		User:  testUser(),
		Files: []Upload{upload("doc.pdf")},
		Model: "xf1-standard",
	})

	var qerr *shared.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.EqualValues(t, 2, qerr.Remaining)
	assert.Empty(t, engine.dispatched)
}

func TestProcessUnsupportedModel(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{}, &stubAdmitter{}, nil, nil)

	_, err := h.Process(context.Background(), &ProcessInput{
		User:  testUser(),
		Files: []Upload{upload("a.png")},
		Model: "xf9-imaginary",
	})
	assert.ErrorIs(t, err, shared.ErrUnsupportedModel)
}

func TestProcessNoFiles(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{}, &stubAdmitter{}, nil, nil)

	_, err := h.Process(context.Background(), &ProcessInput{
		User:  testUser(),
		Model: "xf1-standard",
	})
	var rerr *shared.RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 400, rerr.StatusCode)
}

func TestProcessEmptyDocumentFatal(t *testing.T) {
	h, _ := newTestHandler(t, &stubEngine{}, &stubAdmitter{}, map[string]int{"empty.pdf": 0}, nil)

	_, err := h.Process(context.Background(), &ProcessInput{
		User:  testUser(),
		Files: []Upload{upload("empty.pdf")},
		Model: "xf1-standard",
	})
	assert.ErrorIs(t, err, shared.ErrEmptyDocument)
}

func TestProcessUnreadablePDFSkipsDocument(t *testing.T) {
	// broken.pdf has no page count entry, so counting fails; the sibling
	// image must still be processed.
	engine := &stubEngine{}
	h, _ := newTestHandler(t, engine, &stubAdmitter{}, map[string]int{}, nil)

	resp, err := h.Process(context.Background(), &ProcessInput{
		User:   testUser(),
		Files:  []Upload{upload("broken.pdf"), upload("a.png")},
		Prompt: "read",
		Model:  "xf1-standard",
	})
	require.NoError(t, err)

	require.Len(t, resp.Pages, 1)
	assert.Equal(t, "a.png", resp.Pages[0].SourceFile)
	assert.True(t, resp.Pages[0].Success)
}

func TestProcessDispatchFailureInlineErrors(t *testing.T) {
	engine := &stubEngine{dispatchErr: errors.New("upstream 500")}
	h, _ := newTestHandler(t, engine, &stubAdmitter{}, map[string]int{"doc.pdf": 2}, nil)

	resp, err := h.Process(context.Background(), &ProcessInput{
		User:   testUser(),
		Files:  []Upload{upload("doc.pdf")},
		Prompt: "read",
		Model:  "xf1-standard",
	})
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Pages, 2)
	for _, p := range resp.Pages {
		assert.False(t, p.Success)
		assert.Contains(t, p.Text, "OCR error:")
	}
}

func TestProcessWritesArtifacts(t *testing.T) {
	engine := &stubEngine{}
	h, saved := newTestHandler(t, engine, &stubAdmitter{}, map[string]int{"doc.pdf": 1}, nil)

	resp, err := h.Process(context.Background(), &ProcessInput{
		User:   testUser(),
		Files:  []Upload{upload("doc.pdf")},
		Prompt: "read",
		Model:  "xf3-pro",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(saved.ResultPath)
	require.NoError(t, err)
	md := string(raw)
	assert.Contains(t, md, "# OCR Results")
	assert.Contains(t, md, "## Page 1 (PDF: doc.pdf - Page 1)")
	assert.Contains(t, md, resp.Pages[0].Text)

	_, err = os.Stat(saved.MetaPath)
	assert.NoError(t, err)
}

func TestProcessServerStartupTimeout(t *testing.T) {
	engine := &stubEngine{ensureErr: fmt.Errorf("waiting for server: %w", vllm.ErrStartupTimeout)}
	h, _ := newTestHandler(t, engine, &stubAdmitter{}, map[string]int{"doc.pdf": 1}, nil)

	_, err := h.Process(context.Background(), &ProcessInput{
		User:  testUser(),
		Files: []Upload{upload("doc.pdf")},
		Model: "xf1-standard",
	})
	assert.ErrorIs(t, err, shared.ErrServerStartupTimeout)
}
