// Package catalog turns a folder or subject id into the named document
// list a batch runs over.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/models"
	"docbatch/internal/naming"
)

var (
	ErrNoDocuments = errors.New("catalog: no documents found")
	ErrAllFiltered = errors.New("catalog: every document is inside a folder and was excluded")
)

// maxLookups bounds concurrent upload-info requests.
const maxLookups = 8

// Remote is the listing side of the API client.
type Remote interface {
	ListFolder(ctx context.Context, uploadID int64) ([]models.Document, error)
	ListSubject(ctx context.Context, subjectID int64) ([]models.Document, error)
	UploadInfo(ctx context.Context, id int64) (*models.UploadInfo, error)
	SubjectInfo(ctx context.Context, id int64) (*models.Subject, error)
}

// Listing is a batch name, where it came from, and its documents.
type Listing struct {
	Name      string
	Source    string
	Documents []models.Document
}

type Catalog struct {
	remote Remote
	logger *zap.Logger
}

func New(remote Remote, logger *zap.Logger) *Catalog {
	return &Catalog{remote: remote, logger: logger}
}

// Folder lists one upload. The batch is named after the upload, or its id
// when the name cannot be read.
func (c *Catalog) Folder(ctx context.Context, id int64) (*Listing, error) {
	fallback := strconv.FormatInt(id, 10)
	name := fallback
	info, err := c.remote.UploadInfo(ctx, id)
	if err != nil {
		c.logger.Warn("could not read folder info, using id as name", zap.Int64("upload_id", id), zap.Error(err))
	} else if n := naming.Sanitize(info.DisplayName()); n != "" {
		name = n
	}

	docs, err := c.remote.ListFolder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list folder %d: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	c.logger.Info("folder listed", zap.Int64("upload_id", id), zap.String("name", name), zap.Int("documents", len(docs)))
	return &Listing{Name: name, Source: "folder:" + fallback, Documents: docs}, nil
}

// Subject lists every document of a subject. With excludeFolders, documents
// that share an upload with others are dropped. Folder groups missing an
// upload name get it filled in.
func (c *Catalog) Subject(ctx context.Context, id int64, excludeFolders bool) (*Listing, error) {
	name := fmt.Sprintf("Subject_%d", id)
	s, err := c.remote.SubjectInfo(ctx, id)
	switch {
	case err != nil:
		c.logger.Debug("could not read subject info, using fallback name", zap.Int64("subject_id", id), zap.Error(err))
	default:
		if n := naming.Sanitize(s.Name); n != "" {
			name = n
		}
	}

	docs, err := c.remote.ListSubject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list subject %d: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	if excludeFolders {
		before := len(docs)
		docs = naming.ExcludeFolders(docs)
		if len(docs) == 0 {
			return nil, ErrAllFiltered
		}
		c.logger.Info("excluded documents inside folders", zap.Int("excluded", before-len(docs)))
	}

	if err := c.populateUploadNames(ctx, docs); err != nil {
		return nil, err
	}

	c.logger.Info("subject listed", zap.Int64("subject_id", id), zap.String("name", name), zap.Int("documents", len(docs)))
	return &Listing{Name: name, Source: fmt.Sprintf("subject:%d", id), Documents: docs}, nil
}

// populateUploadNames looks up names for uploads holding two or more
// unnamed documents. Lookup failures leave the documents unnamed.
func (c *Catalog) populateUploadNames(ctx context.Context, docs []models.Document) error {
	pending := make(map[int64][]int)
	var order []int64
	for i := range docs {
		d := &docs[i]
		if d.UploadID == 0 || d.UploadName() != "" {
			continue
		}
		if _, ok := pending[d.UploadID]; !ok {
			order = append(order, d.UploadID)
		}
		pending[d.UploadID] = append(pending[d.UploadID], i)
	}

	names := make([]string, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for i, uploadID := range order {
		if len(pending[uploadID]) < 2 {
			continue
		}
		g.Go(func() error {
			info, err := c.remote.UploadInfo(gctx, uploadID)
			if err != nil {
				c.logger.Debug("could not read upload info", zap.Int64("upload_id", uploadID), zap.Error(err))
				return nil
			}
			names[i] = info.DisplayName()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, uploadID := range order {
		if names[i] == "" {
			continue
		}
		for _, idx := range pending[uploadID] {
			docs[idx].Upload = &models.UploadRef{ID: uploadID, Name: names[i]}
		}
	}
	return nil
}
