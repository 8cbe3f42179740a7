// Package ctx
package ctx

import (
	"fmt"
	"time"

	"xfinite-ocr/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in user middleware
	UserID uint64
	Email  string

	// Override log Log Level
	// useful when a status code was already sent before errors from
	// post processing occur
	LogLevel string

	// Added dynamically
	Error error

	// Populated by the OCR handler
	OCRInfo *OCRInfo
}

type OCRInfo struct {
	Model      string
	RequestID  string
	Documents  int
	TotalPages int
	FailedOps  int
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != 0 {
		enc.AddUint64("user_id", c.UserID)
		enc.AddString("email", c.Email)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	if c.OCRInfo != nil {
		enc.AddString("model", c.OCRInfo.Model)
		enc.AddInt("documents", c.OCRInfo.Documents)
		enc.AddInt("total_pages", c.OCRInfo.TotalPages)
		enc.AddInt("failed_ops", c.OCRInfo.FailedOps)
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	User      *shared.UserMetadata
	LogValues *ContextLogValues
}
