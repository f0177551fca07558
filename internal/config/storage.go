// storage.go — загрузка storage endpoints из YAML-файла.
//
// Формат файла:
//
//	archive_endpoint:
//	  storage_type: tape
//	  url: root://tape.example.org:1094//archive/
//	storage_endpoints:
//	  idc:
//	    storage_type: disk
//	    url: root://idc.example.org:1094//
//	  echo:
//	    storage_type: s3
//	    url: https://s3.example.org/
//	    access_key: ...
//	    secret_key: ...
//	    cache_bucket: cache
//
// Правила URL (схема, path, query) проверяются пакетом storage при построении
// вариантов; здесь — только структура и обязательные поля.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Типы хранилищ.
const (
	StorageTypeDisk = "disk"
	StorageTypeTape = "tape"
	StorageTypeS3   = "s3"
)

// Значения по умолчанию для ленточного хранилища (8 часов).
const (
	DefaultBringOnline    = 28800
	DefaultArchiveTimeout = 28800
)

// StorageEndpoint — описание одного storage endpoint.
type StorageEndpoint struct {
	// Тип: disk, tape, s3
	StorageType string `yaml:"storage_type" validate:"omitempty,oneof=disk tape s3"`
	// URL endpoint для FTS
	URL string `yaml:"url" validate:"required"`

	// Только для tape: ожидание подъёма файла с ленты (секунды)
	BringOnline int `yaml:"bring_online" validate:"gte=0"`
	// Только для tape: ожидание архивации (секунды)
	ArchiveTimeout int `yaml:"archive_timeout" validate:"gte=0"`

	// Только для s3
	AccessKey   string `yaml:"access_key" validate:"required_if=StorageType s3"`
	SecretKey   string `yaml:"secret_key" validate:"required_if=StorageType s3"`
	CacheBucket string `yaml:"cache_bucket" validate:"required_if=StorageType s3"`
}

// StorageConfig — содержимое YAML-файла storage endpoints.
type StorageConfig struct {
	// Endpoint для архивации (создание метаданных в каталоге)
	ArchiveEndpoint *StorageEndpoint `yaml:"archive_endpoint" validate:"required"`
	// Именованные endpoints, между которыми FTS выполняет передачи
	StorageEndpoints map[string]*StorageEndpoint `yaml:"storage_endpoints" validate:"dive,keys,required,endkeys,required"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadStorageConfig читает и валидирует YAML-файл storage endpoints.
func LoadStorageConfig(path string) (*StorageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение %q: %w", path, err)
	}
	return ParseStorageConfig(data)
}

// ParseStorageConfig разбирает YAML storage endpoints из байтов.
func ParseStorageConfig(data []byte) (*StorageConfig, error) {
	var sc StorageConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("разбор YAML: %w", err)
	}

	applyStorageDefaults(sc.ArchiveEndpoint)
	for _, ep := range sc.StorageEndpoints {
		applyStorageDefaults(ep)
	}

	if err := structValidator.Struct(&sc); err != nil {
		return nil, formatValidationError(err)
	}
	return &sc, nil
}

// applyStorageDefaults заполняет значения по умолчанию для endpoint.
func applyStorageDefaults(ep *StorageEndpoint) {
	if ep == nil {
		return
	}
	if ep.StorageType == "" {
		ep.StorageType = StorageTypeDisk
	}
	ep.StorageType = strings.ToLower(ep.StorageType)
	if ep.StorageType == StorageTypeTape {
		if ep.BringOnline == 0 {
			ep.BringOnline = DefaultBringOnline
		}
		if ep.ArchiveTimeout == 0 {
			ep.ArchiveTimeout = DefaultArchiveTimeout
		}
	}
}

// formatValidationError превращает ошибки validator в читаемое сообщение.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: нарушено правило %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("некорректная конфигурация storage: %s", strings.Join(msgs, "; "))
}
