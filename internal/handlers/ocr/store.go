package ocr

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"xfinite-ocr/internal/shared"
)

// Upload is one file as it arrived on the wire, before it hits disk.
type Upload struct {
	OriginalName string
	Reader       io.Reader
}

// saveUploads writes each upload into the per-request directory and classifies
// it as pdf or image by extension. Order is preserved.
func (h *Handler) saveUploads(userSlug, timestamp, requestID string, uploads []Upload) (string, []shared.SavedFile, error) {
	requestDir := filepath.Join(h.UploadsDir, userSlug, fmt.Sprintf("%s_%s", timestamp, requestID))
	if err := os.MkdirAll(requestDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating request directory: %w", err)
	}

	saved := make([]shared.SavedFile, 0, len(uploads))
	for _, u := range uploads {
		safeName := shared.SafeFileName(u.OriginalName)
		path := filepath.Join(requestDir, safeName)

		dst, err := os.Create(path)
		if err != nil {
			return "", nil, fmt.Errorf("creating %s: %w", safeName, err)
		}
		if _, err := io.Copy(dst, u.Reader); err != nil {
			_ = dst.Close()
			return "", nil, fmt.Errorf("writing %s: %w", safeName, err)
		}
		if err := dst.Close(); err != nil {
			return "", nil, fmt.Errorf("closing %s: %w", safeName, err)
		}

		fileType := "image"
		if strings.EqualFold(filepath.Ext(u.OriginalName), ".pdf") {
			fileType = "pdf"
		}
		saved = append(saved, shared.SavedFile{
			OriginalName: u.OriginalName,
			SafeName:     safeName,
			Path:         path,
			SavedPath:    filepath.Join(userSlug, fmt.Sprintf("%s_%s", timestamp, requestID), safeName),
			Type:         fileType,
		})
	}
	return requestDir, saved, nil
}

// writeArtifacts persists the combined markdown and the metadata json next to
// the uploaded files.
func (h *Handler) writeArtifacts(requestDir, resultMD string, metadata map[string]any) (string, string, error) {
	resultPath := filepath.Join(requestDir, "result.md")
	if err := os.WriteFile(resultPath, []byte(resultMD), 0o644); err != nil {
		return "", "", fmt.Errorf("writing result markdown: %w", err)
	}

	metaPath := filepath.Join(requestDir, "metadata.json")
	raw, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return "", "", fmt.Errorf("writing metadata: %w", err)
	}
	return resultPath, metaPath, nil
}

// buildResultMarkdown renders the whole request as one markdown document, one
// section per page in global order.
func buildResultMarkdown(modelLabel string, pages []shared.Page, saved []shared.SavedFile, now time.Time) string {
	var b strings.Builder

	b.WriteString("# OCR Results\n\n")
	fmt.Fprintf(&b, "**Model:** %s\n\n", modelLabel)
	fmt.Fprintf(&b, "**Processed:** %s\n\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Files:** %s\n\n", joinNames(saved))
	fmt.Fprintf(&b, "**Total Pages:** %d\n\n", len(pages))
	b.WriteString("---\n\n")

	for _, p := range pages {
		if p.SourceType == "pdf" && p.PDFPageNo != nil {
			fmt.Fprintf(&b, "## Page %d (PDF: %s - Page %d)\n\n", p.PageNo, p.SourceFile, *p.PDFPageNo)
		} else {
			fmt.Fprintf(&b, "## Page %d (Image: %s)\n\n", p.PageNo, p.SourceFile)
		}
		b.WriteString(p.Text)
		b.WriteString("\n\n---\n\n")
	}
	return b.String()
}
