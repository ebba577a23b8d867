// Package naming derives archive entry names from document metadata.
package naming

import (
	"regexp"
	"strings"

	"docbatch/internal/models"
)

// UnclassifiedDir holds grouped entries with neither folder nor author.
const UnclassifiedDir = "Unclassified"

var (
	illegalChars = regexp.MustCompile(`[\\/:*?"<>|]+`)
	hasExtension = regexp.MustCompile(`(?i)\.[a-z0-9]{2,4}$`)
)

// Extension maps a document's declared extension or kind to a file extension.
func Extension(doc *models.Document) string {
	ext := doc.Extension
	if ext == "" {
		ext = doc.FileType
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return "bin"
	}

	switch {
	case strings.Contains(ext, "pdf"):
		return "pdf"
	case strings.Contains(ext, "python"):
		return "py"
	case strings.Contains(ext, "text_plain"), strings.Contains(ext, "text/plain"), ext == "txt":
		return "txt"
	case strings.Contains(ext, "word"), strings.Contains(ext, "docx"):
		return "docx"
	case strings.Contains(ext, "powerpoint"), strings.Contains(ext, "pptx"):
		return "pptx"
	case strings.Contains(ext, "excel"), strings.Contains(ext, "xlsx"):
		return "xlsx"
	case strings.Contains(ext, "zip"):
		return "zip"
	case strings.Contains(ext, "_"):
		return lastSegment(ext, "_")
	case strings.Contains(ext, "/"):
		return lastSegment(ext, "/")
	}
	return ext
}

func lastSegment(s, sep string) string {
	parts := strings.Split(s, sep)
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return "bin"
}

// FileName returns the sanitized file name with its extension. An extension
// already present is not repeated, and txt/bin are not appended to names
// that already carry a short extension.
func FileName(doc *models.Document) string {
	name := doc.Name
	ext := Extension(doc)
	suffix := "." + ext

	if !strings.HasSuffix(strings.ToLower(name), suffix) {
		if !(hasExtension.MatchString(name) && (ext == "txt" || ext == "bin")) {
			name += suffix
		}
	}
	return Sanitize(name)
}

// Sanitize replaces runs of filesystem-illegal characters with "_" and trims spaces.
func Sanitize(s string) string {
	return strings.TrimSpace(illegalChars.ReplaceAllString(s, "_"))
}

// GroupDir returns the directory a document is filed under when grouping:
// the upload name, else the author, else UnclassifiedDir.
func GroupDir(doc *models.Document) string {
	if dir := Sanitize(doc.UploadName()); dir != "" {
		return dir
	}
	if dir := Sanitize(doc.Nickname()); dir != "" {
		return dir
	}
	return UnclassifiedDir
}

// EntryPath returns the archive path for a document.
func EntryPath(doc *models.Document, group bool) string {
	file := FileName(doc)
	if !group {
		return file
	}
	return GroupDir(doc) + "/" + file
}
