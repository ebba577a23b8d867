package naming

import (
	"fmt"

	"docbatch/internal/models"
)

// FolderGroup is two or more documents sharing one upload.
type FolderGroup struct {
	UploadID  int64
	Label     string
	Documents []models.Document
}

// Classification splits a listing into folder groups and standalone documents.
type Classification struct {
	Folders    []FolderGroup
	Standalone []models.Document
}

// Classify buckets documents by upload id. Uploads with a single document,
// and documents without an upload, are standalone. Order follows first
// appearance in docs.
func Classify(docs []models.Document) Classification {
	counts := uploadCounts(docs)
	buckets := make(map[int64][]models.Document)
	var order []int64
	var out Classification

	for _, d := range docs {
		if d.UploadID == 0 || counts[d.UploadID] < 2 {
			out.Standalone = append(out.Standalone, d)
			continue
		}
		if _, seen := buckets[d.UploadID]; !seen {
			order = append(order, d.UploadID)
		}
		buckets[d.UploadID] = append(buckets[d.UploadID], d)
	}

	for _, id := range order {
		group := buckets[id]
		out.Folders = append(out.Folders, FolderGroup{
			UploadID:  id,
			Label:     folderLabel(group),
			Documents: group,
		})
	}
	return out
}

func uploadCounts(docs []models.Document) map[int64]int {
	counts := make(map[int64]int)
	for _, d := range docs {
		if d.UploadID != 0 {
			counts[d.UploadID]++
		}
	}
	return counts
}

func folderLabel(group []models.Document) string {
	first := &group[0]
	if name := first.UploadName(); name != "" {
		return name
	}
	if nick := first.Nickname(); nick != "" {
		return fmt.Sprintf("Publication by %s", nick)
	}
	return "Publication"
}

// ExcludeFolders keeps only documents that are not part of a folder group.
func ExcludeFolders(docs []models.Document) []models.Document {
	counts := uploadCounts(docs)
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if d.UploadID == 0 || counts[d.UploadID] == 1 {
			out = append(out, d)
		}
	}
	return out
}
