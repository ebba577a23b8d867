package models

import (
	"fmt"
	"io"
	"time"
)

// RateLimitCode is the code the remote pairs with HTTP 429 when the
// captcha counter is exhausted.
const RateLimitCode = "FI008"

// Person is an uploader or profile attached to a document listing
type Person struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// UploadRef names the upload (folder) a document belongs to
type UploadRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Document is one downloadable file as returned by the listing endpoints
type Document struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	FileType  string     `json:"fileType"`
	Extension string     `json:"extension"`
	UploadID  int64      `json:"uploadId,omitempty"`
	Uploader  *Person    `json:"uploader,omitempty"`
	Profile   *Person    `json:"profile,omitempty"`
	Upload    *UploadRef `json:"upload,omitempty"`
	CreatedAt string     `json:"createdAt,omitempty"`
}

// Nickname returns the uploader nickname, falling back to the profile's.
func (d *Document) Nickname() string {
	if d.Uploader != nil && d.Uploader.Nickname != "" {
		return d.Uploader.Nickname
	}
	if d.Profile != nil {
		return d.Profile.Nickname
	}
	return ""
}

// UploadName returns the populated upload name, if any.
func (d *Document) UploadName() string {
	if d.Upload != nil {
		return d.Upload.Name
	}
	return ""
}

// Profile is the authenticated user's profile
type Profile struct {
	ID             int64  `json:"id"`
	Nickname       string `json:"nickname"`
	CaptchaCounter *int   `json:"captchaCounter,omitempty"`
}

// UploadInfo describes an upload (folder)
type UploadInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (u *UploadInfo) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Title
}

// Subject describes a course subject
type Subject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Resolution is the outcome of asking the remote for a document's download URL.
// A missing URL is a normal outcome carrying the status and code.
type Resolution struct {
	URL    string `json:"url,omitempty"`
	Status int    `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (r Resolution) OK() bool {
	return r.URL != ""
}

// RateLimited reports the captcha-exhaustion signal: HTTP 429 with code FI008.
func (r Resolution) RateLimited() bool {
	return r.Status == 429 && r.Code == RateLimitCode
}

// Reason renders the skip reason for a failed resolution.
func (r Resolution) Reason() string {
	if r.Code == "" {
		return fmt.Sprintf("status %d", r.Status)
	}
	return fmt.Sprintf("status %d, code %s", r.Status, r.Code)
}

// SkipRecord is a document that did not make it into the archive
type SkipRecord struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// BatchStatus is the terminal status of a batch
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// HasArchive reports whether the status produces an archive.
func (s BatchStatus) HasArchive() bool {
	return s == BatchCompleted || s == BatchPartial
}

// BatchRecord is the persisted history row for one batch
type BatchRecord struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Source       string       `json:"source"`
	Status       BatchStatus  `json:"status"`
	Total        int          `json:"total"`
	Completed    int          `json:"completed"`
	Succeeded    int          `json:"succeeded"`
	Skipped      []SkipRecord `json:"skipped,omitempty"`
	ArchiveName  string       `json:"archive_name,omitempty"`
	ArchiveBytes int64        `json:"archive_bytes"`
	Location     string       `json:"location,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// CallbackPayload is sent to the callback URL after a batch finishes
type CallbackPayload struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Status              BatchStatus  `json:"status"`
	Timestamp           string       `json:"timestamp"`
	Message             string       `json:"message,omitempty"`
	DurationMs          int64        `json:"duration_ms"`
	FileCount           int          `json:"file_count"`
	Skipped             []SkipRecord `json:"skipped,omitempty"`
	CompressedSizeBytes int64        `json:"compressed_size_bytes"`
	Location            string       `json:"location,omitempty"`
}

// NewCallbackPayload builds the webhook body for a finished batch.
func NewCallbackPayload(rec *BatchRecord, message string) CallbackPayload {
	return CallbackPayload{
		ID:                  rec.ID,
		Name:                rec.Name,
		Status:              rec.Status,
		Timestamp:           rec.FinishedAt.UTC().Format(time.RFC3339),
		Message:             message,
		DurationMs:          rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
		FileCount:           rec.Succeeded,
		Skipped:             rec.Skipped,
		CompressedSizeBytes: rec.ArchiveBytes,
		Location:            rec.Location,
	}
}

// ByteCounter wraps an io.Writer and counts bytes written
type ByteCounter struct {
	Writer io.Writer
	Count  int64
}

func (bc *ByteCounter) Write(p []byte) (int, error) {
	n, err := bc.Writer.Write(p)
	bc.Count += int64(n)
	return n, err
}
