// Пакет objectstore — клиент S3 (minio-go) для корзин восстановления:
// создание корзины с ACL, служебный объект .job_ids, копирование
// восстановленных файлов из корзины-кэша, stat объектов.
package objectstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

// JobIDsObject — служебный объект корзины со списком заданий FTS.
const JobIDsObject = ".job_ids"

// Ошибки объектного хранилища.
var (
	ErrBucketNotFound = errors.New("корзина не найдена")
	ErrObjectNotFound = errors.New("объект не найден")
)

// publicReadPolicy — политика анонимного чтения объектов корзины.
const publicReadPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow",` +
	`"Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`

// JobState — задание FTS и его последнее известное состояние.
type JobState struct {
	JobID string
	State string
}

// Client — клиент S3 API одного storage endpoint.
type Client struct {
	mc     *minio.Client
	host   string
	logger *slog.Logger
}

// New создаёт клиент S3. host — host[:port] без схемы.
func New(host string, secure bool, accessKey, secretKey string, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("создание клиента S3 %s: %w", host, err)
	}
	return &Client{
		mc:     mc,
		host:   host,
		logger: logger.With(slog.String("component", "objectstore")),
	}, nil
}

// Host возвращает адрес S3 API.
func (c *Client) Host() string {
	return c.host
}

// CreateBucket создаёт корзину; для public-read назначает политику
// анонимного чтения.
func (c *Client) CreateBucket(ctx context.Context, name string, acl model.BucketACL) error {
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("создание корзины %s: %w", name, err)
	}
	if acl == model.BucketACLPublicRead {
		if err := c.mc.SetBucketPolicy(ctx, name, fmt.Sprintf(publicReadPolicy, name)); err != nil {
			return fmt.Errorf("назначение политики корзины %s: %w", name, err)
		}
	}
	c.logger.Info("Корзина создана",
		slog.String("bucket", name),
		slog.String("acl", string(acl)),
	)
	return nil
}

// RemoveBucket удаляет пустую корзину.
func (c *Client) RemoveBucket(ctx context.Context, name string) error {
	if err := c.mc.RemoveBucket(ctx, name); err != nil {
		return c.translate(err, fmt.Sprintf("удаление корзины %s", name))
	}
	c.logger.Info("Корзина удалена", slog.String("bucket", name))
	return nil
}

// BucketACL определяет ACL корзины по её политике.
func (c *Client) BucketACL(ctx context.Context, name string) (model.BucketACL, error) {
	policy, err := c.mc.GetBucketPolicy(ctx, name)
	if err != nil {
		return "", c.translate(err, fmt.Sprintf("политика корзины %s", name))
	}
	if strings.Contains(policy, "s3:GetObject") && strings.Contains(policy, `"*"`) {
		return model.BucketACLPublicRead, nil
	}
	return model.BucketACLPrivate, nil
}

// PutJobStates записывает .job_ids: по строке "jobid:state" на задание.
func (c *Client) PutJobStates(ctx context.Context, bucket string, states []JobState) error {
	lines := make([]string, len(states))
	for i, s := range states {
		lines[i] = s.JobID + ":" + s.State
	}
	data := []byte(strings.Join(lines, "\n"))
	_, err := c.mc.PutObject(ctx, bucket, JobIDsObject, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return c.translate(err, fmt.Sprintf("запись %s/%s", bucket, JobIDsObject))
	}
	return nil
}

// JobStates читает .job_ids корзины.
func (c *Client) JobStates(ctx context.Context, bucket string) ([]JobState, error) {
	obj, err := c.mc.GetObject(ctx, bucket, JobIDsObject, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.translate(err, fmt.Sprintf("чтение %s/%s", bucket, JobIDsObject))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.translate(err, fmt.Sprintf("чтение %s/%s", bucket, JobIDsObject))
	}
	return ParseJobStates(data), nil
}

// ParseJobStates разбирает содержимое .job_ids. Пустые строки пропускаются.
func ParseJobStates(data []byte) []JobState {
	var states []JobState
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, state, _ := strings.Cut(line, ":")
		states = append(states, JobState{JobID: id, State: state})
	}
	return states
}

// Copy копирует объект key из srcBucket в dstBucket под тем же ключом.
func (c *Client) Copy(ctx context.Context, srcBucket, dstBucket, key string) error {
	_, err := c.mc.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: key},
		minio.CopySrcOptions{Bucket: srcBucket, Object: key},
	)
	if err != nil {
		return c.translate(err, fmt.Sprintf("копирование %s/%s → %s", srcBucket, key, dstBucket))
	}
	c.logger.Debug("Объект скопирован из кэша",
		slog.String("key", key),
		slog.String("bucket", dstBucket),
	)
	return nil
}

// Stat возвращает размер и время изменения объекта.
func (c *Client) Stat(ctx context.Context, bucket, key string) (int64, time.Time, error) {
	info, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, time.Time{}, c.translate(err, fmt.Sprintf("stat %s/%s", bucket, key))
	}
	return info.Size, info.LastModified, nil
}

// translate приводит ошибки S3 к ошибкам пакета.
func (c *Client) translate(err error, op string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket":
		return fmt.Errorf("%s: %w", op, ErrBucketNotFound)
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%s: %w", op, ErrObjectNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
