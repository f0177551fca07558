// Пакет statecounter — агрегация состояний заданий и файлов FTS в одно
// состояние датасета. Без ввода-вывода: один Counter на один проход
// согласования, после получения результата отбрасывается.
package statecounter

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
)

// Counter подсчитывает состояния заданий и файлов.
type Counter struct {
	counts map[string]int
	total  int

	// Ongoing — id заданий, которые ещё не достигли терминального состояния
	ongoing []string

	fileStates    map[string]string
	filesTotal    int
	filesComplete int

	prefixes []string
	logger   *slog.Logger
}

// New создаёт пустой счётчик. stripPrefixes — path-префиксы storage
// endpoints, отрезаемые от пути файла, чтобы получить location каталога.
func New(logger *slog.Logger, stripPrefixes ...string) *Counter {
	prefixes := make([]string, 0, len(stripPrefixes))
	for _, p := range stripPrefixes {
		p = strings.Trim(p, "/")
		if p != "" {
			prefixes = append(prefixes, p+"/")
		}
	}
	return &Counter{
		counts:     make(map[string]int),
		fileStates: make(map[string]string),
		prefixes:   prefixes,
		logger:     logger,
	}
}

// CheckState учитывает состояние одного задания. Возвращает true, если
// состояние терминальное. Незавершённые задания попадают в Ongoing.
// Неизвестное состояние считается UNKNOWN и терминальным.
func (c *Counter) CheckState(state, jobID string) bool {
	c.total++

	switch {
	case model.IsActiveJobState(state):
		c.counts[state]++
		c.ongoing = append(c.ongoing, jobID)
		return false
	case model.IsCompleteJobState(state):
		c.counts[state]++
		return true
	default:
		c.logger.Warn("Неожиданное состояние задания FTS",
			slog.String("state", state),
			slog.String("job_id", jobID),
		)
		c.counts[model.StateUnknown]++
		return true
	}
}

// CheckFile учитывает состояние одного файла и возвращает его путь
// (location в каталоге) и состояние.
func (c *Counter) CheckFile(file fts.FileStatus) (string, string) {
	path := c.FilePath(file.SourceSURL)
	c.fileStates[path] = file.FileState
	c.filesTotal++
	if model.IsCompleteTransferState(file.FileState) {
		c.filesComplete++
	}
	return path, file.FileState
}

// CheckRecorded учитывает итог файла, записанный в каталог на прошлых
// проходах: его задание уже удалено из job_ids и в FTS не опрашивается.
// Учитываются только терминальные состояния (DEFUNCT считается FAILED),
// для остальных возвращает false. В процент файлов итог не входит.
func (c *Counter) CheckRecorded(location, state string) bool {
	if !model.IsCompleteTransferState(state) {
		return false
	}
	c.fileStates[location] = state
	if state == model.StateDefunct {
		state = model.StateFailed
	}
	c.total++
	c.counts[state]++
	return true
}

// FilePath извлекает путь файла из SURL источника: без схемы, хоста,
// query и ведущих слешей, а также без path-префикса storage endpoint.
func (c *Counter) FilePath(surl string) string {
	path := surl
	if u, err := url.Parse(surl); err == nil && u.Scheme != "" {
		path = u.Path
	} else if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")
	for _, p := range c.prefixes {
		if strings.HasPrefix(path, p) {
			return strings.TrimPrefix(path, p)
		}
	}
	return path
}

// State возвращает агрегированное состояние. Первое совпадение:
// UNKNOWN, затем самая ранняя незавершённая фаза
// (STAGING, SUBMITTED, READY, ACTIVE, ARCHIVING), затем единое терминальное
// состояние всех заданий (CANCELED, FAILED, FINISHED), иначе FINISHEDDIRTY.
// Пустая строка — ни одного задания не учтено.
func (c *Counter) State() string {
	if c.total == 0 {
		return ""
	}
	if c.counts[model.StateUnknown] > 0 {
		return model.StateUnknown
	}
	for _, s := range model.ActiveJobStates {
		if c.counts[s] > 0 {
			return s
		}
	}
	for _, s := range []string{model.StateCanceled, model.StateFailed, model.StateFinished} {
		if c.counts[s] == c.total {
			return s
		}
	}
	return model.StateFinishedDirty
}

// Ongoing возвращает id незавершённых заданий в порядке учёта.
func (c *Counter) Ongoing() []string {
	return append([]string(nil), c.ongoing...)
}

// Total возвращает количество учтённых заданий и итогов из каталога.
func (c *Counter) Total() int {
	return c.total
}

// FileStates возвращает состояния файлов по location.
func (c *Counter) FileStates() map[string]string {
	out := make(map[string]string, len(c.fileStates))
	for k, v := range c.fileStates {
		out[k] = v
	}
	return out
}

// FilePercentage возвращает 100*complete/total или -1, если файлы не учитывались.
func (c *Counter) FilePercentage() float64 {
	if c.filesTotal == 0 {
		return -1
	}
	return 100 * float64(c.filesComplete) / float64(c.filesTotal)
}
