// bucket.go — состояние корзин S3, созданных при восстановлении.
//
// Состояния заданий корзины хранятся в её объекте .job_ids. При каждом
// запросе незавершённые задания опрашиваются в FTS; у заданий, перешедших
// в терминальное состояние, файлы FINISHED копируются из корзины-кэша
// S3 endpoint в корзину пользователя.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/objectstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/statecounter"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
)

// BucketService — завершённость корзин восстановления.
type BucketService struct {
	registry *storage.Registry
	poller   StatusPoller
	jobRepo  repository.TransferJobRepository
	prefixes []string
	logger   *slog.Logger
}

// NewBucketService создаёт сервис корзин. jobRepo может быть nil:
// тогда корзина ищется перебором S3 endpoints.
func NewBucketService(registry *storage.Registry, poller StatusPoller,
	jobRepo repository.TransferJobRepository, logger *slog.Logger) *BucketService {
	return &BucketService{
		registry: registry,
		poller:   poller,
		jobRepo:  jobRepo,
		prefixes: registry.Prefixes(),
		logger:   logger.With(slog.String("component", "buckets")),
	}
}

// bucketTarget — S3 endpoint, на котором находится корзина.
type bucketTarget struct {
	store       storage.ObjectStore
	cacheBucket string
}

// Complete сообщает, что все задания корзины в терминальном состоянии.
func (s *BucketService) Complete(ctx context.Context, bucket string) (bool, error) {
	counter, err := s.refresh(ctx, bucket, false)
	if err != nil {
		return false, err
	}
	return !model.IsActiveJobState(counter.State()), nil
}

// Percentage возвращает процент завершённых передач файлов корзины.
func (s *BucketService) Percentage(ctx context.Context, bucket string) (float64, error) {
	counter, err := s.refresh(ctx, bucket, true)
	if err != nil {
		return 0, err
	}
	return counter.FilePercentage(), nil
}

// refresh обновляет состояния заданий корзины. all=true опрашивает
// и уже завершённые задания, чтобы учесть их файлы.
func (s *BucketService) refresh(ctx context.Context, bucket string, all bool) (*statecounter.Counter, error) {
	target, err := s.locate(ctx, bucket)
	if err != nil {
		return nil, err
	}
	recorded, err := target.store.JobStates(ctx, bucket)
	if err != nil {
		return nil, s.objectError(err, bucket)
	}

	var poll []string
	for _, js := range recorded {
		if all || !model.IsCompleteJobState(js.State) {
			poll = append(poll, js.JobID)
		}
	}
	polled := make(map[string]fts.JobStatus, len(poll))
	if len(poll) > 0 {
		statuses, err := s.poller.Statuses(ctx, poll, true)
		if err != nil {
			return nil, fmt.Errorf("%w: FTS: %w", ErrUpstream, err)
		}
		for _, st := range statuses {
			polled[st.JobID] = st
		}
	}

	counter := statecounter.New(s.logger, s.prefixes...)
	changed := make(map[string]string)
	for i, js := range recorded {
		st, ok := polled[js.JobID]
		if !ok {
			counter.CheckState(js.State, js.JobID)
			continue
		}
		counter.CheckState(st.JobState, st.JobID)
		for _, f := range st.Files {
			counter.CheckFile(f)
		}
		if st.JobState == js.State {
			continue
		}
		if model.IsCompleteJobState(st.JobState) {
			if err := s.copyFinished(ctx, target, bucket, counter, st); err != nil {
				return nil, err
			}
		}
		recorded[i].State = st.JobState
		changed[js.JobID] = st.JobState
	}

	if len(changed) > 0 {
		if err := target.store.PutJobStates(ctx, bucket, recorded); err != nil {
			return nil, fmt.Errorf("%w: S3: %w", ErrUpstream, err)
		}
		updateJobStates(ctx, s.jobRepo, s.logger, changed)
		s.logger.Debug("Состояния заданий корзины обновлены",
			slog.String("bucket", bucket),
			slog.Int("changed", len(changed)),
		)
	}
	return counter, nil
}

// copyFinished копирует файлы FINISHED задания из корзины-кэша.
func (s *BucketService) copyFinished(ctx context.Context, target *bucketTarget, bucket string,
	counter *statecounter.Counter, st fts.JobStatus) error {
	copied := 0
	for _, f := range st.Files {
		if f.FileState != model.StateFinished {
			continue
		}
		key := counter.FilePath(f.SourceSURL)
		if err := target.store.Copy(ctx, target.cacheBucket, bucket, key); err != nil {
			return fmt.Errorf("%w: S3: копирование %s: %w", ErrUpstream, key, err)
		}
		copied++
	}
	s.logger.Info("Файлы задания скопированы в корзину",
		slog.String("bucket", bucket),
		slog.String("job_id", st.JobID),
		slog.Int("files", copied),
	)
	return nil
}

// locate находит S3 endpoint корзины: по реестру заданий, иначе
// перебором S3 endpoints. Корзины-кэши недоступны.
func (s *BucketService) locate(ctx context.Context, bucket string) (*bucketTarget, error) {
	var s3 []*storage.S3
	for _, name := range s.registry.Names() {
		st, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if v, ok := st.(*storage.S3); ok {
			if v.CacheBucket() == bucket {
				return nil, clientError(ErrForbidden, msgCacheBucketForbidden)
			}
			s3 = append(s3, v)
		}
	}

	if s.jobRepo != nil {
		jobs, err := s.jobRepo.List(ctx, repository.TransferJobFilters{BucketName: &bucket}, 1, 0)
		if err != nil {
			return nil, fmt.Errorf("чтение реестра заданий: %w", err)
		}
		if len(jobs) > 0 {
			for _, v := range s3 {
				if v.Name() == jobs[0].Destination {
					return s.target(v)
				}
			}
		}
	}

	for _, v := range s3 {
		target, err := s.target(v)
		if err != nil {
			return nil, err
		}
		if _, err := target.store.BucketACL(ctx, bucket); err == nil {
			return target, nil
		} else if !errors.Is(err, objectstore.ErrBucketNotFound) {
			return nil, fmt.Errorf("%w: S3: %w", ErrUpstream, err)
		}
	}
	return nil, clientError(ErrNotFound, "No bucket with name=%s", bucket)
}

func (s *BucketService) target(v *storage.S3) (*bucketTarget, error) {
	store, err := s.registry.ObjectStore(v.Name())
	if err != nil {
		return nil, storageError(err)
	}
	return &bucketTarget{store: store, cacheBucket: v.CacheBucket()}, nil
}

func (s *BucketService) objectError(err error, bucket string) error {
	if errors.Is(err, objectstore.ErrBucketNotFound) || errors.Is(err, objectstore.ErrObjectNotFound) {
		return clientError(ErrNotFound, "No bucket with name=%s", bucket)
	}
	return fmt.Errorf("%w: S3: %w", ErrUpstream, err)
}
