// Package shared
package shared

import "time"

type UserMetadata struct {
	Email   string `json:"email,omitempty"`
	UserID  uint64 `json:"user_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// SavedFile describes one uploaded document after it has been written to the
// file store. Immutable once saved.
type SavedFile struct {
	OriginalName string `json:"original_name"`
	SafeName     string `json:"safe_name"`
	Path         string `json:"path"`
	SavedPath    string `json:"saved_path"`
	Type         string `json:"type"` // "pdf" or "image"
	PageCount    int    `json:"page_count"`
}

// Page is one unit of extracted content. PageNo is the global 1-based sequence
// number across the whole request in input order; PDFPageNo is set for pdf
// sources only. Never mutated after creation.
type Page struct {
	PageNo     int    `json:"page_no"`
	SourceType string `json:"source_type"`
	SourceFile string `json:"source_file"`
	PDFPageNo  *int   `json:"pdf_page_no"`
	Text       string `json:"text"`
	Success    bool   `json:"success"`
}

type ProcessResponse struct {
	Status     string         `json:"status"`
	TotalPages int            `json:"total_pages"`
	Pages      []Page         `json:"pages"`
	Result     string         `json:"result"`
	Metadata   map[string]any `json:"metadata"`
}

type UsageResponse struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type HistoryEntry struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	TotalPages int       `json:"total_pages"`
	CreatedAt  time.Time `json:"created_at"`
	Files      []string  `json:"files"`
}

type APIError struct {
	Message string `json:"message"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}
