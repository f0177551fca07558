package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
)

// testLogger создаёт логгер для тестов (только ошибки).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"root://idc.example.org:1094//", false},
		{"root://tape.example.org:1094//archive/", false},
		{"https://dav.example.org/data/", false},
		{"davs://dav.example.org:2880/data/", false},
		{"http://s3.example.org/", false},
		{"ftp://example.org/data/", true},
		{"root://idc.example.org:1094/data/", true},
		{"root://idc.example.org:1094//data", true},
		{"https://dav.example.org", true},
		{"https://dav.example.org/data/?x=1", true},
		{"https://dav.example.org/data/#frag", true},
		{"https:///data/", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := ValidateEndpointURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func testStorageConfig() *config.StorageConfig {
	return &config.StorageConfig{
		ArchiveEndpoint: &config.StorageEndpoint{
			StorageType:    config.StorageTypeTape,
			URL:            "root://tape.example.org:1094//archive/",
			BringOnline:    100,
			ArchiveTimeout: 200,
		},
		StorageEndpoints: map[string]*config.StorageEndpoint{
			"idc": {StorageType: config.StorageTypeDisk, URL: "root://idc.example.org:1094//"},
			"rdc": {StorageType: config.StorageTypeDisk, URL: "https://rdc.example.org/data/"},
			"echo": {
				StorageType: config.StorageTypeS3,
				URL:         "https://s3.example.org/",
				AccessKey:   "ak",
				SecretKey:   "sk",
				CacheBucket: "cache",
			},
		},
	}
}

func TestFromConfig_Variants(t *testing.T) {
	reg, err := FromConfig(testStorageConfig(), testLogger())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	archive := reg.Archive()
	if archive.Kind() != KindTape || archive.BringOnline() != 100 || archive.ArchiveTimeout() != 200 {
		t.Errorf("архивный endpoint: kind=%s bring_online=%d archive_timeout=%d",
			archive.Kind(), archive.BringOnline(), archive.ArchiveTimeout())
	}
	if archive.RequiresStat() || archive.StrictCopy() || archive.CopyModeMarker() != "" {
		t.Error("лента не требует stat, strict copy и push")
	}
	if archive.Prefix() != "archive" {
		t.Errorf("Prefix() = %q", archive.Prefix())
	}

	idc, err := reg.Get("idc")
	if err != nil {
		t.Fatalf("Get(idc): %v", err)
	}
	if idc.Kind() != KindDisk || !idc.RequiresStat() || idc.BringOnline() != -1 {
		t.Errorf("disk endpoint: kind=%s requires_stat=%v", idc.Kind(), idc.RequiresStat())
	}
	if idc.FormattedURL() != "root://idc.example.org:1094//" {
		t.Errorf("FormattedURL() = %q", idc.FormattedURL())
	}

	echo, err := reg.Get("echo")
	if err != nil {
		t.Fatalf("Get(echo): %v", err)
	}
	if echo.Kind() != KindS3 || !echo.StrictCopy() || echo.CopyModeMarker() != "?copy_mode=push" {
		t.Errorf("s3 endpoint: kind=%s strict=%v marker=%q", echo.Kind(), echo.StrictCopy(), echo.CopyModeMarker())
	}
	if echo.FormattedURL() != "s3s://s3.example.org/" {
		t.Errorf("FormattedURL() = %q", echo.FormattedURL())
	}
	if _, err := reg.ObjectStore("echo"); err != nil {
		t.Errorf("ObjectStore(echo): %v", err)
	}
	if _, err := reg.ObjectStore("idc"); !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("ObjectStore(idc) = %v, ожидается ErrUnknownStorage", err)
	}

	if _, err := reg.Get("nope"); !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("Get(nope) = %v, ожидается ErrUnknownStorage", err)
	}

	names := reg.Names()
	if len(names) != 3 || names[0] != "echo" || names[2] != "rdc" {
		t.Errorf("Names() = %v", names)
	}

	prefixes := reg.Prefixes()
	want := map[string]bool{"archive": true, "": true, "data": true, "cache/": true}
	for _, p := range prefixes {
		if !want[p] {
			t.Errorf("неожиданный префикс %q", p)
		}
	}
}

func TestFromConfig_InvalidURL(t *testing.T) {
	cfg := testStorageConfig()
	cfg.StorageEndpoints["bad"] = &config.StorageEndpoint{StorageType: config.StorageTypeDisk, URL: "root://host/data/"}
	if _, err := FromConfig(cfg, testLogger()); err == nil {
		t.Fatal("ожидается ошибка для root:// без '//'")
	}
}

func TestFromConfig_S3RequiresHTTP(t *testing.T) {
	cfg := testStorageConfig()
	cfg.StorageEndpoints["echo"].URL = "root://s3.example.org//"
	if _, err := FromConfig(cfg, testLogger()); err == nil {
		t.Fatal("ожидается ошибка для S3 со схемой root")
	}
}

func TestXRootDStater_Address(t *testing.T) {
	u, _ := url.Parse("root://idc.example.org//data/")
	s := newXRootDStater(u)
	if s.addr != "idc.example.org:1094" {
		t.Errorf("addr = %q", s.addr)
	}
	if s.basePath != "/data/" {
		t.Errorf("basePath = %q", s.basePath)
	}

	u, _ = url.Parse("https://idc.example.org:8443/data/")
	if s := newXRootDStater(u); s.addr != "idc.example.org:1094" {
		t.Errorf("для не-root схемы используется порт 1094, addr = %q", s.addr)
	}
}

func TestWebDAVStater(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("метод = %s", r.Method)
		}
		if r.URL.Path != "/data/inst/file.nxs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/data/inst/file.nxs</d:href>
    <d:propstat>
      <d:prop>
        <d:displayname>file.nxs</d:displayname>
        <d:getcontentlength>42</d:getcontentlength>
        <d:getlastmodified>Wed, 04 Mar 2026 10:30:00 GMT</d:getlastmodified>
        <d:resourcetype/>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/data/")
	s := newWebDAVStater(u)

	info, err := s.Stat(context.Background(), "inst/file.nxs")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 42 {
		t.Errorf("Size = %d, ожидается 42", info.Size)
	}
	if !info.ModTime.Equal(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("ModTime = %v", info.ModTime)
	}

	if _, err := s.Stat(context.Background(), "inst/missing.nxs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидается ErrNotFound, получено %v", err)
	}
}

// fakeStater — Stater с фиксированным ответом.
type fakeStater struct {
	info FileInfo
	err  error
	got  string
}

func (f *fakeStater) Stat(_ context.Context, location string) (FileInfo, error) {
	f.got = location
	return f.info, f.err
}

func TestEndpoint_StatDelegates(t *testing.T) {
	base, err := newEndpoint("idc", "root://idc.example.org//")
	if err != nil {
		t.Fatalf("newEndpoint: %v", err)
	}
	fs := &fakeStater{info: FileInfo{Size: 7}}
	base.stater = fs
	d := &Disk{endpoint: base}

	info, err := d.Stat(context.Background(), "a/b")
	if err != nil || info.Size != 7 || fs.got != "a/b" {
		t.Errorf("Stat = %+v, %v (location %q)", info, err, fs.got)
	}

	tape := &Tape{endpoint: endpoint{name: "tape"}}
	if _, err := tape.Stat(context.Background(), "a"); err == nil {
		t.Error("stat ленты не поддерживается")
	}
}
