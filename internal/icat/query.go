package icat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Query — построитель JPQL-запросов каталога:
//
//	SELECT o FROM Dataset o WHERE o.id IN (1, 2) AND o.type.name = 'raw' INCLUDE o.datafiles
//
// Условия сортируются, чтобы одинаковые запросы давали одинаковую строку.
type Query struct {
	entity     string
	selectID   bool
	conditions []string
	includes   []string
	includeAll bool
}

// NewQuery создаёт запрос по сущности entity.
func NewQuery(entity string) *Query {
	return &Query{entity: entity}
}

// Entity возвращает имя сущности запроса.
func (q *Query) Entity() string {
	return q.entity
}

// SelectID ограничивает выборку идентификаторами (SELECT o.id).
func (q *Query) SelectID() *Query {
	q.selectID = true
	return q
}

// Equal добавляет условие o.<attr> = value. Поддерживаются строки и целые.
func (q *Query) Equal(attr string, value any) *Query {
	q.conditions = append(q.conditions, fmt.Sprintf("o.%s = %s", attr, literal(value)))
	return q
}

// Like добавляет условие o.<attr> LIKE '%substr%'.
func (q *Query) Like(attr, substr string) *Query {
	q.conditions = append(q.conditions, fmt.Sprintf("o.%s LIKE %s", attr, quote("%"+substr+"%")))
	return q
}

// In добавляет условие o.<attr> IN (ids). Пустой список не добавляет условие.
func (q *Query) In(attr string, ids []int64) *Query {
	if len(ids) == 0 {
		return q
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	q.conditions = append(q.conditions, fmt.Sprintf("o.%s IN (%s)", attr, strings.Join(parts, ", ")))
	return q
}

// Include добавляет связи для загрузки вместе с сущностью, через точку:
// "datasets.datafiles". Специальное значение "1" загружает все связи
// первого уровня.
func (q *Query) Include(paths ...string) *Query {
	for _, p := range paths {
		if p == "1" {
			q.includeAll = true
			continue
		}
		q.includes = append(q.includes, p)
	}
	return q
}

// String возвращает JPQL.
func (q *Query) String() string {
	var b strings.Builder
	if q.selectID {
		b.WriteString("SELECT o.id FROM ")
	} else {
		b.WriteString("SELECT o FROM ")
	}
	b.WriteString(q.entity)
	b.WriteString(" o")

	if len(q.conditions) > 0 {
		conds := append([]string(nil), q.conditions...)
		sort.Strings(conds)
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if q.selectID {
		return b.String()
	}
	if q.includeAll {
		b.WriteString(" INCLUDE 1")
	} else if inc := renderIncludes(q.includes); inc != "" {
		b.WriteString(" INCLUDE ")
		b.WriteString(inc)
	}
	return b.String()
}

// renderIncludes разворачивает пути в цепочку алиасов:
// ["datasets.datafiles", "type"] → "o.datasets AS i1, i1.datafiles, o.type".
func renderIncludes(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	// Префиксы, у которых есть потомки, получают алиас
	parents := make(map[string]bool)
	for _, p := range sorted {
		segs := strings.Split(p, ".")
		for i := 1; i < len(segs); i++ {
			parents[strings.Join(segs[:i], ".")] = true
		}
	}

	aliases := make(map[string]string)
	seen := make(map[string]bool)
	var parts []string
	for _, p := range sorted {
		segs := strings.Split(p, ".")
		owner := "o"
		for i, seg := range segs {
			prefix := strings.Join(segs[:i+1], ".")
			if seen[prefix] {
				owner = aliases[prefix]
				continue
			}
			seen[prefix] = true
			part := owner + "." + seg
			if parents[prefix] {
				alias := "i" + strconv.Itoa(len(aliases)+1)
				aliases[prefix] = alias
				part += " AS " + alias
				owner = alias
			}
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}

// literal форматирует значение условия.
func literal(v any) string {
	switch x := v.(type) {
	case string:
		return quote(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return quote(fmt.Sprint(x))
	}
}

// quote заключает строку в одинарные кавычки, удваивая внутренние.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
