// Пакет icattest — каталог в памяти для unit-тестов пакетов, работающих
// с каталогом через узкие интерфейсы. Повторяет поведение REST API:
// бины с id обновляются, без id создаются вместе с вложенными детьми.
package icattest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
)

// Catalog — каталог в памяти.
type Catalog struct {
	mu     sync.Mutex
	nextID int64

	// credentials: "auth/username" → пароль
	credentials map[string]string
	sessions    map[string]string

	refs           map[string]map[string]int64
	parameterTypes map[int64]*icat.ParameterType
	investigations map[int64]*icat.Investigation
	samples        map[int64]*icat.Sample
	datasets       map[int64]*icat.Dataset
	datafiles      map[int64]*icat.Datafile
	datasetParams  map[int64]*icat.DatasetParameter
	datafileParams map[int64]*icat.DatafileParameter

	// hidden — id сущностей, невидимых для поиска (нет прав на чтение)
	hidden map[int64]bool

	// Writes — количество вызовов Write; Deletes — вызовов Delete
	Writes  int
	Deletes int
	// WriteErr — ошибка, возвращаемая Write (если задана).
	// FailWrite — номер вызова Write (по счётчику Writes), на котором
	// возвращается WriteErr; 0 — на каждом вызове.
	WriteErr  error
	FailWrite int
}

// New создаёт пустой каталог.
func New() *Catalog {
	return &Catalog{
		nextID:         100,
		credentials:    make(map[string]string),
		sessions:       make(map[string]string),
		refs:           make(map[string]map[string]int64),
		parameterTypes: make(map[int64]*icat.ParameterType),
		investigations: make(map[int64]*icat.Investigation),
		samples:        make(map[int64]*icat.Sample),
		datasets:       make(map[int64]*icat.Dataset),
		datafiles:      make(map[int64]*icat.Datafile),
		datasetParams:  make(map[int64]*icat.DatasetParameter),
		datafileParams: make(map[int64]*icat.DatafileParameter),
		hidden:         make(map[int64]bool),
	}
}

func (c *Catalog) id() int64 {
	c.nextID++
	return c.nextID
}

// --- Наполнение ---

// AddUser регистрирует учётные данные пользователя.
func (c *Catalog) AddUser(auth, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials[auth+"/"+username] = password
}

// AddSession регистрирует готовую сессию пользователя auth/username.
func (c *Catalog) AddSession(sessionID, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = userName
}

// ExpireSession делает сессию недействительной.
func (c *Catalog) ExpireSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// AddRef регистрирует справочную сущность, находимую через LookupID.
func (c *Catalog) AddRef(entity string, equals map[string]any) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.id()
	c.addRef(entity, equals, id)
	return id
}

func (c *Catalog) addRef(entity string, equals map[string]any, id int64) {
	if c.refs[entity] == nil {
		c.refs[entity] = make(map[string]int64)
	}
	c.refs[entity][refKey(equals)] = id
}

// AddParameterType регистрирует ParameterType.
func (c *Catalog) AddParameterType(pt icat.ParameterType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt.ID = c.id()
	c.parameterTypes[pt.ID] = &pt
	return pt.ID
}

// AddInvestigation регистрирует Investigation.
func (c *Catalog) AddInvestigation(inv icat.Investigation) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv.Datasets = nil
	return c.createInvestigation(inv)
}

// AddDataset регистрирует датасет Investigation вместе с файлами.
func (c *Catalog) AddDataset(investigationID int64, ds icat.Dataset) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds.Investigation = &icat.Investigation{ID: investigationID}
	return c.createDataset(ds)
}

// Hide делает сущность с id невидимой для поиска.
func (c *Catalog) Hide(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hidden[id] = true
}

// --- Проверки в тестах ---

// DatasetParameter возвращает параметр датасета по имени типа (nil — нет).
func (c *Catalog) DatasetParameter(datasetID int64, typeName string) *icat.DatasetParameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sortedKeys(c.datasetParams) {
		p := c.datasetParams[id]
		if p.Dataset.ID == datasetID && c.typeName(p.Type) == typeName {
			cp := *p
			return &cp
		}
	}
	return nil
}

// DatafileParameter возвращает параметр файла по имени типа (nil — нет).
func (c *Catalog) DatafileParameter(datafileID int64, typeName string) *icat.DatafileParameter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sortedKeys(c.datafileParams) {
		p := c.datafileParams[id]
		if p.Datafile.ID == datafileID && c.typeName(p.Type) == typeName {
			cp := *p
			return &cp
		}
	}
	return nil
}

// CountDatasetParameters возвращает количество параметров типа typeName датасета.
func (c *Catalog) CountDatasetParameters(datasetID int64, typeName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.datasetParams {
		if p.Dataset.ID == datasetID && c.typeName(p.Type) == typeName {
			n++
		}
	}
	return n
}

// Datasets возвращает количество датасетов.
func (c *Catalog) Datasets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.datasets)
}

// Samples возвращает количество образцов.
func (c *Catalog) Samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Investigations возвращает количество Investigation.
func (c *Catalog) Investigations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.investigations)
}

// DatasetFiles возвращает файлы датасета, упорядоченные по id.
func (c *Catalog) DatasetFiles(datasetID int64) []icat.Datafile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.datasetDatafiles(datasetID)
}

// --- Сессии ---

// Login выдаёт новую сессию для верных учётных данных.
func (c *Catalog) Login(_ context.Context, auth string, credentials map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user := auth + "/" + credentials["username"]
	if pw, ok := c.credentials[user]; !ok || pw != credentials["password"] {
		return "", &icat.Error{StatusCode: 403, Code: icat.CodeSession, Message: "The username and password do not match"}
	}
	sid := fmt.Sprintf("00000000-0000-4000-8000-%012d", c.id())
	c.sessions[sid] = user
	return sid, nil
}

// UserName возвращает имя пользователя сессии.
func (c *Catalog) UserName(_ context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkSession(sessionID)
}

// Refresh продлевает сессию.
func (c *Catalog) Refresh(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.checkSession(sessionID)
	return err
}

func (c *Catalog) checkSession(sessionID string) (string, error) {
	user, ok := c.sessions[sessionID]
	if !ok {
		return "", &icat.Error{StatusCode: 403, Code: icat.CodeSession, Message: "Unable to find user by sessionid: " + sessionID}
	}
	return user, nil
}

// --- Поиск ---

// LookupID ищет справочную сущность или датасет/файл по id.
func (c *Catalog) LookupID(_ context.Context, sessionID, entity string, equals map[string]any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return 0, err
	}

	if id, ok := equals["id"]; ok && len(equals) == 1 {
		want := toInt64(id)
		var found bool
		switch entity {
		case "Dataset":
			_, found = c.datasets[want]
		case "Datafile":
			_, found = c.datafiles[want]
		case "Investigation":
			_, found = c.investigations[want]
		}
		if found && !c.hidden[want] {
			return want, nil
		}
		return 0, &icat.NotFoundError{Entity: entity, Conditions: equals}
	}

	if id, ok := c.refs[entity][refKey(equals)]; ok {
		return id, nil
	}
	return 0, &icat.NotFoundError{Entity: entity, Conditions: equals}
}

// ParameterTypes ищет типы по имени и единицам.
func (c *Catalog) ParameterTypes(_ context.Context, sessionID, name, units, _ string) ([]icat.ParameterType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.ParameterType
	for _, id := range sortedKeys(c.parameterTypes) {
		pt := c.parameterTypes[id]
		if pt.Name == name && pt.Units == units {
			out = append(out, *pt)
		}
	}
	return out, nil
}

// DatasetParameters фильтрует параметры датасетов.
func (c *Catalog) DatasetParameters(_ context.Context, sessionID string, f icat.ParameterFilter) ([]icat.DatasetParameter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.DatasetParameter
	for _, id := range sortedKeys(c.datasetParams) {
		p := *c.datasetParams[id]
		if f.TypeName != "" && c.typeName(p.Type) != f.TypeName {
			continue
		}
		if f.DatasetID != 0 && p.Dataset.ID != f.DatasetID {
			continue
		}
		if f.ValueContains != "" && !strings.Contains(p.Text(), f.ValueContains) {
			continue
		}
		if c.hidden[p.Dataset.ID] {
			continue
		}
		p.Type = c.fullType(p.Type)
		p.Dataset = &icat.Dataset{ID: p.Dataset.ID, Name: c.datasets[p.Dataset.ID].Name}
		out = append(out, p)
	}
	return out, nil
}

// DatafileParameters фильтрует параметры файлов.
func (c *Catalog) DatafileParameters(_ context.Context, sessionID string, f icat.ParameterFilter) ([]icat.DatafileParameter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.DatafileParameter
	for _, id := range sortedKeys(c.datafileParams) {
		p := *c.datafileParams[id]
		df := c.datafiles[p.Datafile.ID]
		if f.TypeName != "" && c.typeName(p.Type) != f.TypeName {
			continue
		}
		if f.DatasetID != 0 && (df.Dataset == nil || df.Dataset.ID != f.DatasetID) {
			continue
		}
		if f.DatafileID != 0 && df.ID != f.DatafileID {
			continue
		}
		if f.Location != "" && df.Location != f.Location {
			continue
		}
		if f.ValueContains != "" && !strings.Contains(p.Text(), f.ValueContains) {
			continue
		}
		p.Type = c.fullType(p.Type)
		p.Datafile = &icat.Datafile{ID: df.ID, Name: df.Name, Location: df.Location}
		out = append(out, p)
	}
	return out, nil
}

// DatasetDatafiles возвращает файлы датасета.
func (c *Catalog) DatasetDatafiles(_ context.Context, sessionID string, datasetID int64) ([]icat.Datafile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	return c.datasetDatafiles(datasetID), nil
}

// Dataset возвращает датасет с investigation, type и файлами.
func (c *Catalog) Dataset(_ context.Context, sessionID string, id int64) (*icat.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	ds, ok := c.datasets[id]
	if !ok || c.hidden[id] {
		return nil, &icat.NotFoundError{Entity: "Dataset", Conditions: map[string]any{"id": id}}
	}
	out := c.datasetView(ds)
	return &out, nil
}

// Datafile возвращает файл по id.
func (c *Catalog) Datafile(_ context.Context, sessionID string, id int64) (*icat.Datafile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	df, ok := c.datafiles[id]
	if !ok || c.hidden[id] {
		return nil, &icat.NotFoundError{Entity: "Datafile", Conditions: map[string]any{"id": id}}
	}
	out := *df
	out.Parameters = nil
	return &out, nil
}

// InvestigationsByID возвращает видимые Investigation с датасетами и файлами.
func (c *Catalog) InvestigationsByID(_ context.Context, sessionID string, ids []int64) ([]icat.Investigation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.Investigation
	for _, id := range ids {
		inv, ok := c.investigations[id]
		if !ok || c.hidden[id] {
			continue
		}
		view := *inv
		view.Datasets = nil
		for _, dsID := range sortedKeys(c.datasets) {
			ds := c.datasets[dsID]
			if ds.Investigation != nil && ds.Investigation.ID == id {
				d := c.datasetView(ds)
				d.Investigation = nil
				view.Datasets = append(view.Datasets, d)
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// DatasetsByID возвращает видимые датасеты с investigation и файлами.
func (c *Catalog) DatasetsByID(_ context.Context, sessionID string, ids []int64) ([]icat.Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.Dataset
	for _, id := range ids {
		ds, ok := c.datasets[id]
		if !ok || c.hidden[id] {
			continue
		}
		out = append(out, c.datasetView(ds))
	}
	return out, nil
}

// DatafilesByID возвращает видимые файлы с датасетом и investigation.
func (c *Catalog) DatafilesByID(_ context.Context, sessionID string, ids []int64) ([]icat.Datafile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	var out []icat.Datafile
	for _, id := range ids {
		df, ok := c.datafiles[id]
		if !ok || c.hidden[id] {
			continue
		}
		view := *df
		view.Parameters = nil
		if ds, ok := c.datasets[df.Dataset.ID]; ok {
			view.Dataset = &icat.Dataset{ID: ds.ID, Name: ds.Name, Investigation: ds.Investigation}
		}
		out = append(out, view)
	}
	return out, nil
}

// FindInvestigation ищет Investigation по name и visitId.
func (c *Catalog) FindInvestigation(_ context.Context, sessionID, name, visitID, _ string) (*icat.Investigation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	for _, id := range sortedKeys(c.investigations) {
		inv := c.investigations[id]
		if inv.Name == name && inv.VisitID == visitID {
			out := *inv
			out.Datasets = nil
			return &out, nil
		}
	}
	return nil, nil
}

// --- Запись ---

// Write создаёт бины без id и обновляет бины с id.
func (c *Catalog) Write(_ context.Context, sessionID string, beans ...icat.Entity) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return nil, err
	}
	c.Writes++
	if c.WriteErr != nil && (c.FailWrite == 0 || c.Writes == c.FailWrite) {
		return nil, c.WriteErr
	}

	var ids []int64
	for _, b := range beans {
		switch v := b.(type) {
		case icat.ParameterType:
			if v.ID == 0 {
				v.ID = c.id()
				ids = append(ids, v.ID)
			}
			c.parameterTypes[v.ID] = &v
		case icat.DatasetParameter:
			if v.ID != 0 {
				existing, ok := c.datasetParams[v.ID]
				if !ok {
					return nil, &icat.Error{StatusCode: 404, Code: icat.CodeNoSuchObjectFound, Message: "DatasetParameter"}
				}
				existing.ParameterValue = v.ParameterValue
				continue
			}
			v.ID = c.id()
			c.datasetParams[v.ID] = &v
			ids = append(ids, v.ID)
		case icat.DatafileParameter:
			if v.ID != 0 {
				existing, ok := c.datafileParams[v.ID]
				if !ok {
					return nil, &icat.Error{StatusCode: 404, Code: icat.CodeNoSuchObjectFound, Message: "DatafileParameter"}
				}
				existing.ParameterValue = v.ParameterValue
				continue
			}
			v.ID = c.id()
			c.datafileParams[v.ID] = &v
			ids = append(ids, v.ID)
		case icat.Investigation:
			ids = append(ids, c.createInvestigation(v))
		case icat.Sample:
			ids = append(ids, c.createSample(v))
		case icat.Dataset:
			ids = append(ids, c.createDataset(v))
		default:
			return nil, fmt.Errorf("icattest: запись %s не поддерживается", b.EntityName())
		}
	}
	return ids, nil
}

// Delete удаляет параметры по id. Удаление Investigation каскадно
// удаляет её образцы, датасеты, файлы и их параметры.
func (c *Catalog) Delete(_ context.Context, sessionID, entity string, ids ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkSession(sessionID); err != nil {
		return err
	}
	c.Deletes++
	for _, id := range ids {
		switch entity {
		case "DatasetParameter":
			delete(c.datasetParams, id)
		case "DatafileParameter":
			delete(c.datafileParams, id)
		case "Investigation":
			c.deleteInvestigation(id)
		default:
			return fmt.Errorf("icattest: удаление %s не поддерживается", entity)
		}
	}
	return nil
}

// --- Внутреннее ---

func (c *Catalog) createInvestigation(inv icat.Investigation) int64 {
	inv.ID = c.id()
	datasets, samples := inv.Datasets, inv.Samples
	inv.Datasets, inv.Samples = nil, nil
	c.investigations[inv.ID] = &inv
	for _, sm := range samples {
		sm.Investigation = &icat.Investigation{ID: inv.ID}
		c.createSample(sm)
	}
	for _, ds := range datasets {
		ds.Investigation = &icat.Investigation{ID: inv.ID}
		c.createDataset(ds)
	}
	return inv.ID
}

func (c *Catalog) createSample(sm icat.Sample) int64 {
	sm.ID = c.id()
	datasets := sm.Datasets
	sm.Datasets = nil
	c.samples[sm.ID] = &sm
	if sm.Investigation != nil {
		c.addRef("Sample", map[string]any{"name": sm.Name, "investigation.id": sm.Investigation.ID}, sm.ID)
	}
	for _, ds := range datasets {
		ds.Sample = &icat.Sample{ID: sm.ID}
		c.createDataset(ds)
	}
	return sm.ID
}

func (c *Catalog) deleteInvestigation(id int64) {
	removed := map[int64]bool{id: true}
	delete(c.investigations, id)
	for sid, sm := range c.samples {
		if sm.Investigation != nil && sm.Investigation.ID == id {
			removed[sid] = true
			delete(c.samples, sid)
		}
	}
	for did, ds := range c.datasets {
		if ds.Investigation != nil && ds.Investigation.ID == id {
			removed[did] = true
			delete(c.datasets, did)
		}
	}
	for fid, df := range c.datafiles {
		if df.Dataset != nil && removed[df.Dataset.ID] {
			removed[fid] = true
			delete(c.datafiles, fid)
		}
	}
	for pid, p := range c.datasetParams {
		if p.Dataset != nil && removed[p.Dataset.ID] {
			delete(c.datasetParams, pid)
		}
	}
	for pid, p := range c.datafileParams {
		if p.Datafile != nil && removed[p.Datafile.ID] {
			delete(c.datafileParams, pid)
		}
	}
	for _, byKey := range c.refs {
		for key, refID := range byKey {
			if removed[refID] {
				delete(byKey, key)
			}
		}
	}
}

func (c *Catalog) createDataset(ds icat.Dataset) int64 {
	ds.ID = c.id()
	datafiles := ds.Datafiles
	params := ds.Parameters
	ds.Datafiles = nil
	ds.Parameters = nil
	c.datasets[ds.ID] = &ds
	if ds.Investigation != nil {
		c.addRef("Dataset", map[string]any{"name": ds.Name, "investigation.id": ds.Investigation.ID}, ds.ID)
	}

	for _, p := range params {
		p.ID = c.id()
		p.Dataset = &icat.Dataset{ID: ds.ID}
		cp := p
		c.datasetParams[p.ID] = &cp
	}
	for _, df := range datafiles {
		df.ID = c.id()
		df.Dataset = &icat.Dataset{ID: ds.ID}
		dfParams := df.Parameters
		df.Parameters = nil
		cp := df
		c.datafiles[df.ID] = &cp
		for _, p := range dfParams {
			p.ID = c.id()
			p.Datafile = &icat.Datafile{ID: df.ID}
			pp := p
			c.datafileParams[p.ID] = &pp
		}
	}
	return ds.ID
}

func (c *Catalog) datasetDatafiles(datasetID int64) []icat.Datafile {
	var out []icat.Datafile
	for _, id := range sortedKeys(c.datafiles) {
		df := c.datafiles[id]
		if df.Dataset != nil && df.Dataset.ID == datasetID {
			cp := *df
			cp.Parameters = nil
			out = append(out, cp)
		}
	}
	return out
}

func (c *Catalog) datasetView(ds *icat.Dataset) icat.Dataset {
	view := *ds
	view.Datafiles = c.datasetDatafiles(ds.ID)
	if ds.Investigation != nil {
		if inv, ok := c.investigations[ds.Investigation.ID]; ok {
			cp := *inv
			cp.Datasets = nil
			view.Investigation = &cp
		}
	}
	return view
}

func (c *Catalog) typeName(pt *icat.ParameterType) string {
	if pt == nil {
		return ""
	}
	if full, ok := c.parameterTypes[pt.ID]; ok {
		return full.Name
	}
	return pt.Name
}

func (c *Catalog) fullType(pt *icat.ParameterType) *icat.ParameterType {
	if pt == nil {
		return nil
	}
	if full, ok := c.parameterTypes[pt.ID]; ok {
		cp := *full
		return &cp
	}
	return pt
}

func refKey(equals map[string]any) string {
	parts := make([]string, 0, len(equals))
	for k, v := range equals {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
