// Пакет repository — локальный реестр заданий FTS в PostgreSQL.
// Чистый SQL через pgx, без ORM. Каталог остаётся источником истины
// о состоянии датасетов; реестр хранит обзор отправленных заданий.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound — запись не найдена.
var ErrNotFound = errors.New("запись не найдена")

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
