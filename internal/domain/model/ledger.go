package model

import "time"

// Операции, для которых отправляются задания FTS.
const (
	OperationArchive   = "archive"
	OperationRearchive = "rearchive"
	OperationRestore   = "restore"
	OperationTransfer  = "transfer"
)

// TransferJob — запись локального реестра заданий FTS.
// Каталог остаётся источником истины о состоянии датасетов; реестр
// нужен оператору для обзора отправленных заданий.
type TransferJob struct {
	// JobID — идентификатор задания FTS
	JobID string
	// Operation — archive, rearchive, restore, transfer
	Operation string
	// DatasetID — датасет каталога (для архивации)
	DatasetID *int64
	// BucketName — корзина S3 (для восстановления в S3)
	BucketName *string
	// Source, Destination — ключи storage endpoints
	Source      string
	Destination string
	// Transfers — количество файлов в задании
	Transfers int
	// State — последнее известное состояние задания
	State string
	// SubmittedAt — время отправки
	SubmittedAt time.Time
	// UpdatedAt — время последнего обновления состояния
	UpdatedAt time.Time
}

// PollState — состояние фонового опроса FTS (одна строка в БД).
type PollState struct {
	// LastPollAt — время последнего завершённого цикла
	LastPollAt *time.Time
	// LastPollError — ошибка последнего цикла (nil при успехе)
	LastPollError *string
	// DatasetsPolled — количество датасетов в последнем цикле
	DatasetsPolled int
	UpdatedAt      time.Time
}
