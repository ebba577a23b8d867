// Package service runs a complete batch: list, download, deliver, record.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docbatch/internal/batch"
	"docbatch/internal/catalog"
	"docbatch/internal/database"
	"docbatch/internal/models"
	"docbatch/internal/notify"
	"docbatch/internal/progress"
	"docbatch/internal/storage"
)

// Kind selects what a request lists.
type Kind string

const (
	KindFolder  Kind = "folder"
	KindSubject Kind = "subject"
)

var ErrUnknownKind = errors.New("service: unknown batch kind")

// Request describes one batch.
type Request struct {
	Kind           Kind
	ID             int64
	Group          bool
	ExcludeFolders bool
	Selection      *catalog.Selection
	// Deliver writes the archive to the configured sink.
	Deliver bool
}

// Lister is the catalog side of a batch.
type Lister interface {
	Folder(ctx context.Context, id int64) (*catalog.Listing, error)
	Subject(ctx context.Context, id int64, excludeFolders bool) (*catalog.Listing, error)
}

type Service struct {
	catalog  Lister
	runner   *batch.Runner
	sink     storage.Sink
	history  database.Store
	callback *notify.Callback
	logger   *zap.Logger
}

// New wires a service. sink may be nil when no request asks for delivery;
// callback may be nil.
func New(lister Lister, runner *batch.Runner, sink storage.Sink, history database.Store, callback *notify.Callback, logger *zap.Logger) *Service {
	if history == nil {
		history = database.NopStore{}
	}
	return &Service{
		catalog:  lister,
		runner:   runner,
		sink:     sink,
		history:  history,
		callback: callback,
		logger:   logger,
	}
}

// List resolves the request into a named document list, with the selection
// applied.
func (s *Service) List(ctx context.Context, req Request) (*catalog.Listing, error) {
	var (
		listing *catalog.Listing
		err     error
	)
	switch req.Kind {
	case KindFolder:
		listing, err = s.catalog.Folder(ctx, req.ID)
	case KindSubject:
		listing, err = s.catalog.Subject(ctx, req.ID, req.ExcludeFolders)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if err != nil {
		return nil, err
	}

	if req.Selection != nil {
		before := len(listing.Documents)
		listing.Documents = req.Selection.Apply(listing.Documents)
		s.logger.Info("selection applied", zap.Int("selected", len(listing.Documents)), zap.Int("listed", before))
		if len(listing.Documents) == 0 {
			return nil, catalog.ErrNoDocuments
		}
	}
	return listing, nil
}

// Run lists and downloads the request. Listing failures are returned as
// errors; everything after that is reported through the result.
func (s *Service) Run(ctx context.Context, req Request, ui progress.UI) (*batch.Result, error) {
	ui.SetStatus("fetching document list")
	listing, err := s.List(ctx, req)
	if err != nil {
		ui.SetError(err.Error())
		return nil, err
	}

	res := s.runner.WithGrouping(req.Group).Run(ctx, listing.Documents, listing.Name, listing.Source, ui)

	if req.Deliver && res.Archive != nil {
		if s.sink == nil {
			return res, errors.New("service: no archive sink configured")
		}
		loc, err := s.sink.PutArchive(ctx, res.Archive.Name, res.Archive.Data)
		if err != nil {
			s.logger.Error("failed to deliver archive", zap.String("batch_id", res.Record.ID), zap.Error(err))
			ui.SetError(fmt.Sprintf("could not save %s: %v", res.Archive.Name, err))
			return res, err
		}
		res.Record.Location = loc
		s.logger.Info("archive delivered", zap.String("batch_id", res.Record.ID), zap.String("location", loc))
	}
	return res, nil
}

// Report saves the batch record and sends the webhook. Failures are logged
// and returned joined.
func (s *Service) Report(ctx context.Context, res *batch.Result) error {
	var errs []error
	if err := s.history.SaveBatch(ctx, &res.Record); err != nil {
		s.logger.Error("failed to save batch history", zap.String("batch_id", res.Record.ID), zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.callback.Send(ctx, models.NewCallbackPayload(&res.Record, res.Message())); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
