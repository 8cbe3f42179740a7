package preprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"xfinite-ocr/internal/metrics"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound means the input document path does not exist.
	ErrNotFound = errors.New("input file not found")
	// ErrEmptyDocument means the document opened fine but has zero pages.
	ErrEmptyDocument = errors.New("document has no pages")
)

// PageCount returns the number of pages without rendering anything. Used by
// admission before any expensive work starts.
func PageCount(path string) (int, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to count pdf pages: %w", err)
	}
	return count, nil
}

// Rasterize renders every page of the PDF at path into outDir as normalized
// PNGs and returns the output paths in ascending page order. Page-level
// failures are logged and skipped; a fully failed render returns an empty
// slice, which callers treat as zero usable pages rather than a hard error.
func Rasterize(ctx context.Context, path, outDir string, workers, dpi int, log *zap.SugaredLogger) ([]string, error) {
	start := time.Now()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outDir, err)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	numPages := doc.NumPage()
	_ = doc.Close()

	if numPages == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, path)
	}

	if workers < 1 {
		workers = 1
	}
	// Never spin up more workers than there is work.
	if workers > numPages {
		workers = numPages
	}

	chunks := chunkPages(numPages, workers)

	log.Infow("Starting rasterization",
		"file", path,
		"pages", numPages,
		"workers", workers,
		"dpi", dpi,
	)

	results := make([][]string, len(chunks))
	eg, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		eg.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = renderChunk(path, chunk, outDir, dpi, log)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []string
	for _, paths := range results {
		all = append(all, paths...)
	}
	// Filenames encode the zero-padded page index, so a lexicographic sort
	// restores ascending page order regardless of worker completion order.
	sort.Strings(all)

	metrics.RenderDuration.WithLabelValues(fmt.Sprintf("%d", workers)).Observe(time.Since(start).Seconds())
	metrics.PagesRendered.WithLabelValues("ok").Add(float64(len(all)))
	metrics.PagesRendered.WithLabelValues("failed").Add(float64(numPages - len(all)))

	log.Infow("Rasterization complete",
		"file", path,
		"rendered", len(all),
		"pages", numPages,
		"duration", time.Since(start).String(),
	)
	return all, nil
}

// chunkPages splits [0, numPages) into workers contiguous chunks whose sizes
// differ by at most one; the first numPages mod workers chunks carry the
// extra page.
func chunkPages(numPages, workers int) [][]int {
	if workers < 1 {
		workers = 1
	}
	k, m := numPages/workers, numPages%workers

	var chunks [][]int
	start := 0
	for i := 0; i < workers; i++ {
		size := k
		if i < m {
			size++
		}
		if size == 0 {
			continue
		}
		chunk := make([]int, 0, size)
		for p := start; p < start+size; p++ {
			chunk = append(chunk, p)
		}
		chunks = append(chunks, chunk)
		start += size
	}
	return chunks
}

// renderChunk renders one worker's pages. Each worker opens its own document
// handle; MuPDF parsing sessions are not safe to share across goroutines.
func renderChunk(path string, pages []int, outDir string, dpi int, log *zap.SugaredLogger) []string {
	results := []string{}

	doc, err := fitz.New(path)
	if err != nil {
		log.Errorw("Failed to open PDF in worker", "file", path, "error", err)
		return results
	}
	defer func() {
		_ = doc.Close()
	}()

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	for _, pageNum := range pages {
		img, err := doc.ImageDPI(pageNum, float64(dpi))
		if err != nil {
			log.Errorw("Error rendering page", "page", pageNum, "error", err)
			continue
		}

		normalized := Normalize(img, log)

		outPath := filepath.Join(outDir, fmt.Sprintf("%s_p%04d.png", stem, pageNum))
		if err := SaveImage(normalized, outPath); err != nil {
			log.Errorw("Error saving page", "page", pageNum, "error", err)
			continue
		}
		results = append(results, outPath)
	}
	return results
}
