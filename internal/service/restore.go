// restore.go — восстановление с ленты и передача между хранилищами
// набора файлов, заданного id Investigation, Dataset и Datafile.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/objectstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

const bucketCleanupTimeout = 30 * time.Second

// TransferCatalog — чтение сущностей каталога по набору id.
// Сущности без прав на чтение в результат не попадают.
type TransferCatalog interface {
	InvestigationsByID(ctx context.Context, sessionID string, ids []int64) ([]icat.Investigation, error)
	DatasetsByID(ctx context.Context, sessionID string, ids []int64) ([]icat.Dataset, error)
	DatafilesByID(ctx context.Context, sessionID string, ids []int64) ([]icat.Datafile, error)
}

// TransferService — восстановление и передача файлов.
type TransferService struct {
	catalog  TransferCatalog
	registry *storage.Registry
	batcher  *transfer.Batcher
	jobRepo  repository.TransferJobRepository
	logger   *slog.Logger

	newBucketName func() string
}

// NewTransferService создаёт сервис передачи. jobRepo может быть nil.
func NewTransferService(catalog TransferCatalog, registry *storage.Registry, batcher *transfer.Batcher,
	jobRepo repository.TransferJobRepository, logger *slog.Logger) *TransferService {
	return &TransferService{
		catalog:       catalog,
		registry:      registry,
		batcher:       batcher,
		jobRepo:       jobRepo,
		logger:        logger.With(slog.String("component", "transfer")),
		newBucketName: uuid.NewString,
	}
}

// Restore восстанавливает файлы с ленты в хранилище destination.
func (s *TransferService) Restore(ctx context.Context, sessionID, destination string, req *model.TransferRequest) (*model.TransferResponse, error) {
	dst, err := s.registry.Get(destination)
	if err != nil {
		return nil, storageError(err)
	}
	return s.run(ctx, sessionID, model.OperationRestore, s.registry.Archive(), dst, req)
}

// Transfer передаёт файлы из хранилища source в destination.
func (s *TransferService) Transfer(ctx context.Context, sessionID, source, destination string, req *model.TransferRequest) (*model.TransferResponse, error) {
	src, err := s.registry.Get(source)
	if err != nil {
		return nil, storageError(err)
	}
	dst, err := s.registry.Get(destination)
	if err != nil {
		return nil, storageError(err)
	}
	return s.run(ctx, sessionID, model.OperationTransfer, src, dst, req)
}

func (s *TransferService) run(ctx context.Context, sessionID, operation string,
	src, dst storage.Storage, req *model.TransferRequest) (*model.TransferResponse, error) {
	if req.Empty() {
		return nil, clientError(ErrValidation, "At least one of investigation_ids, dataset_ids or datafile_ids is required")
	}

	datafiles, err := s.resolveDatafiles(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	if len(datafiles) == 0 {
		return nil, clientError(ErrValidation, "No Datafiles found for the requested ids")
	}

	batch := s.batcher.NewBatch(operation, src, dst)
	for i := range datafiles {
		if err := batch.Add(ctx, &datafiles[i]); err != nil {
			return nil, batchError(err)
		}
	}

	var (
		store  storage.ObjectStore
		bucket string
	)
	if dst.Kind() == storage.KindS3 {
		store, err = s.registry.ObjectStore(dst.Name())
		if err != nil {
			return nil, storageError(err)
		}
		bucket = s.newBucketName()
		acl := req.BucketACL
		if acl == "" {
			acl = model.BucketACLPrivate
		}
		if err := store.CreateBucket(ctx, bucket, acl); err != nil {
			return nil, fmt.Errorf("%w: S3: %w", ErrUpstream, err)
		}
	}

	subs, err := batch.Submit(ctx)
	if err != nil {
		if len(subs) > 0 {
			s.logger.Error("Отправка прервана, часть заданий FTS уже создана",
				slog.String("operation", operation),
				slog.Any("job_ids", transfer.JobIDs(subs)),
				slog.String("bucket", bucket),
			)
		} else if store != nil {
			s.removeBucket(store, bucket)
		}
		return nil, fmt.Errorf("%w: FTS: %w", ErrUpstream, err)
	}
	jobIDs := transfer.JobIDs(subs)
	resp := &model.TransferResponse{JobIDs: jobIDs}

	entry := ledgerEntry{operation: operation, source: src.Name(), destination: dst.Name()}
	if store != nil {
		states := make([]objectstore.JobState, len(jobIDs))
		for i, id := range jobIDs {
			states[i] = objectstore.JobState{JobID: id, State: model.StateSubmitted}
		}
		if err := store.PutJobStates(ctx, bucket, states); err != nil {
			return nil, fmt.Errorf("%w: S3: %w", ErrUpstream, err)
		}
		resp.BucketName = bucket
		entry.bucketName = &bucket
	}

	s.logger.Info("Передача файлов отправлена",
		slog.String("operation", operation),
		slog.String("source", src.Name()),
		slog.String("destination", dst.Name()),
		slog.Int("datafiles", len(datafiles)),
		slog.Any("job_ids", jobIDs),
	)
	recordJobs(ctx, s.jobRepo, s.logger, entry, subs)
	return resp, nil
}

// removeBucket удаляет корзину, в которую не пишет ни одно задание.
// Контекст запроса мог быть отменён, поэтому удаление идёт с отдельным.
func (s *TransferService) removeBucket(store storage.ObjectStore, bucket string) {
	ctx, cancel := context.WithTimeout(context.Background(), bucketCleanupTimeout)
	defer cancel()
	if err := store.RemoveBucket(ctx, bucket); err != nil {
		s.logger.Error("Не удалось удалить корзину после ошибки отправки",
			slog.String("bucket", bucket),
			slog.String("error", err.Error()),
		)
	}
}

// resolveDatafiles раскрывает id в набор файлов без повторов,
// упорядоченный по id. Если каталог вернул меньше сущностей, чем
// запрошено, у пользователя нет прав на часть из них.
func (s *TransferService) resolveDatafiles(ctx context.Context, sessionID string, req *model.TransferRequest) ([]icat.Datafile, error) {
	byID := make(map[int64]icat.Datafile)

	if ids := uniqueIDs(req.InvestigationIDs); len(ids) > 0 {
		investigations, err := s.catalog.InvestigationsByID(ctx, sessionID, ids)
		if err != nil {
			return nil, catalogError(err)
		}
		if len(investigations) != len(ids) {
			return nil, s.permissionDenied("Investigation", ids, len(investigations))
		}
		for _, inv := range investigations {
			for _, ds := range inv.Datasets {
				for _, df := range ds.Datafiles {
					byID[df.ID] = df
				}
			}
		}
	}

	if ids := uniqueIDs(req.DatasetIDs); len(ids) > 0 {
		datasets, err := s.catalog.DatasetsByID(ctx, sessionID, ids)
		if err != nil {
			return nil, catalogError(err)
		}
		if len(datasets) != len(ids) {
			return nil, s.permissionDenied("Dataset", ids, len(datasets))
		}
		for _, ds := range datasets {
			for _, df := range ds.Datafiles {
				byID[df.ID] = df
			}
		}
	}

	if ids := uniqueIDs(req.DatafileIDs); len(ids) > 0 {
		datafiles, err := s.catalog.DatafilesByID(ctx, sessionID, ids)
		if err != nil {
			return nil, catalogError(err)
		}
		if len(datafiles) != len(ids) {
			return nil, s.permissionDenied("Datafile", ids, len(datafiles))
		}
		for _, df := range datafiles {
			byID[df.ID] = df
		}
	}

	out := make([]icat.Datafile, 0, len(byID))
	for _, df := range byID {
		out = append(out, df)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *TransferService) permissionDenied(entity string, ids []int64, found int) error {
	s.logger.Warn("Часть запрошенных сущностей недоступна пользователю",
		slog.String("entity", entity),
		slog.Int("requested", len(ids)),
		slog.Int("found", found),
	)
	return clientError(ErrForbidden, msgInsufficientPermissions)
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
