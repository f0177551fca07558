package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/studio-b12/gowebdav"
	"go-hep.org/x/hep/xrootd"

	"github.com/bigkaa/goartstore/archive-broker/internal/objectstore"
)

// Порт XRootD по умолчанию.
const defaultXRootDPort = "1094"

// xrootdUser — имя, которым клиент представляется серверу XRootD.
const xrootdUser = "archive-broker"

// xrootdStater получает stat файла по протоколу XRootD.
type xrootdStater struct {
	addr     string
	basePath string
}

func newXRootDStater(u *url.URL) *xrootdStater {
	host := u.Hostname()
	port := u.Port()
	if u.Scheme != "root" || port == "" {
		port = defaultXRootDPort
	}
	return &xrootdStater{
		addr:     net.JoinHostPort(host, port),
		basePath: strings.ReplaceAll(u.Path, "//", "/"),
	}
}

// Stat открывает соединение, выполняет stat и закрывает его.
func (s *xrootdStater) Stat(ctx context.Context, location string) (FileInfo, error) {
	cli, err := xrootd.NewClient(ctx, s.addr, xrootdUser)
	if err != nil {
		return FileInfo{}, fmt.Errorf("подключение к XRootD %s: %w", s.addr, err)
	}
	defer cli.Close()

	p := path.Join(s.basePath, location)
	st, err := cli.FS().Stat(ctx, p)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such file") {
			return FileInfo{}, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return FileInfo{}, fmt.Errorf("stat XRootD %s: %w", p, err)
	}
	return FileInfo{Size: st.Size(), ModTime: st.ModTime()}, nil
}

// webdavStater получает stat файла по WebDAV (http, https, davs).
type webdavStater struct {
	client *gowebdav.Client
}

func newWebDAVStater(u *url.URL) *webdavStater {
	base := *u
	if base.Scheme == "davs" {
		base.Scheme = "https"
	}
	return &webdavStater{client: gowebdav.NewClient(base.String(), "", "")}
}

// Stat выполняет PROPFIND для location.
func (s *webdavStater) Stat(_ context.Context, location string) (FileInfo, error) {
	info, err := s.client.Stat(location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || gowebdav.IsErrNotFound(err) {
			return FileInfo{}, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return FileInfo{}, fmt.Errorf("stat WebDAV %s: %w", location, err)
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// s3Stater получает stat объекта: первый сегмент пути — корзина.
type s3Stater struct {
	client *objectstore.Client
	prefix string
}

// Stat выполняет HEAD объекта.
func (s *s3Stater) Stat(ctx context.Context, location string) (FileInfo, error) {
	full := strings.Trim(path.Join(s.prefix, location), "/")
	bucket, key, ok := strings.Cut(full, "/")
	if !ok {
		return FileInfo{}, fmt.Errorf("location %q не содержит корзину и ключ", full)
	}
	size, mtime, err := s.client.Stat(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) || errors.Is(err, objectstore.ErrBucketNotFound) {
			return FileInfo{}, fmt.Errorf("%s: %w", full, ErrNotFound)
		}
		return FileInfo{}, err
	}
	return FileInfo{Size: size, ModTime: mtime}, nil
}
