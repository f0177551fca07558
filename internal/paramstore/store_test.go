package paramstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat/icattest"
)

const testSession = "11111111-2222-4333-8444-555555555555"

var testNames = Names{JobState: "Archival state", JobIDs: "Archival ids", DeletionDate: "Deletion date"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupStore создаёт каталог с датасетом из двух файлов и хранилище параметров.
func setupStore(t *testing.T, create bool) (*Store, *icattest.Catalog, int64, []icat.Datafile) {
	t.Helper()

	cat := icattest.New()
	cat.AddSession(testSession, "simple/root")
	cat.AddRef("Facility", map[string]any{"name": "facility"})

	invID := cat.AddInvestigation(icat.Investigation{Name: "inv", VisitID: "1"})
	dsID := cat.AddDataset(invID, icat.Dataset{
		Name: "ds",
		Datafiles: []icat.Datafile{
			{Name: "a.nxs", Location: "inst/a.nxs"},
			{Name: "b.nxs", Location: "inst/b.nxs"},
		},
	})

	types := NewTypeResolver(cat, testNames, "facility", create, testLogger())
	return New(cat, types, testLogger()), cat, dsID, cat.DatasetFiles(dsID)
}

func TestTypeResolver_CreatesMissingTypes(t *testing.T) {
	store, cat, _, _ := setupStore(t, true)

	types, err := store.Types(context.Background(), testSession)
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	if types.JobState.ID == 0 || types.JobIDs.ID == 0 || types.DeletionDate.ID == 0 {
		t.Errorf("ожидаются созданные типы, получено %+v", types)
	}
	if types.DeletionDate.ValueType != valueTypeDateTime {
		t.Errorf("DeletionDate.ValueType = %q", types.DeletionDate.ValueType)
	}

	writes := cat.Writes
	again, err := store.Types(context.Background(), testSession)
	if err != nil {
		t.Fatalf("Types (повторно): %v", err)
	}
	if again != types || cat.Writes != writes {
		t.Error("повторное разрешение должно использовать кэш")
	}
}

func TestTypeResolver_MissingWithoutCreate(t *testing.T) {
	store, _, _, _ := setupStore(t, false)

	_, err := store.Types(context.Background(), testSession)
	var nf *icat.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("ожидается NotFoundError, получено %v", err)
	}
	if nf.Entity != "ParameterType" {
		t.Errorf("Entity = %q", nf.Entity)
	}
}

func TestTypeResolver_ConcurrentResolveOnce(t *testing.T) {
	store, cat, _, _ := setupStore(t, true)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Types(context.Background(), testSession); err != nil {
				t.Errorf("Types: %v", err)
			}
		}()
	}
	wg.Wait()

	types, _ := cat.ParameterTypes(context.Background(), testSession, testNames.JobState, "", "facility")
	if len(types) != 1 {
		t.Errorf("тип %q создан %d раз, ожидается 1", testNames.JobState, len(types))
	}
}

func TestTypeResolver_Invalidate(t *testing.T) {
	store, cat, _, _ := setupStore(t, true)
	if _, err := store.Types(context.Background(), testSession); err != nil {
		t.Fatalf("Types: %v", err)
	}
	store.types.Invalidate()

	writes := cat.Writes
	if _, err := store.Types(context.Background(), testSession); err != nil {
		t.Fatalf("Types: %v", err)
	}
	if cat.Writes != writes {
		t.Error("существующие типы не должны создаваться повторно")
	}
}

func TestSetDatasetState_CreateThenUpdate(t *testing.T) {
	store, cat, dsID, _ := setupStore(t, true)
	ctx := context.Background()

	states, err := store.DatasetStates(ctx, testSession, dsID)
	if err != nil {
		t.Fatalf("DatasetStates: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("до архивации параметров быть не должно, получено %d", len(states))
	}

	if err := store.SetDatasetState(ctx, testSession, dsID, "SUBMITTED", false); err != nil {
		t.Fatalf("SetDatasetState: %v", err)
	}
	first := cat.DatasetParameter(dsID, testNames.JobState)
	if first == nil || first.Text() != "SUBMITTED" {
		t.Fatalf("job_state = %+v, ожидается SUBMITTED", first)
	}

	if err := store.SetDatasetState(ctx, testSession, dsID, "FINISHED", true); err != nil {
		t.Fatalf("SetDatasetState: %v", err)
	}
	second := cat.DatasetParameter(dsID, testNames.JobState)
	if second.ID != first.ID {
		t.Errorf("параметр должен обновляться на месте: id %d → %d", first.ID, second.ID)
	}
	if second.Text() != "FINISHED" {
		t.Errorf("job_state = %q, ожидается FINISHED", second.Text())
	}
	if n := cat.CountDatasetParameters(dsID, testNames.JobState); n != 1 {
		t.Errorf("параметров job_state = %d, ожидается 1", n)
	}

	deletion := cat.DatasetParameter(dsID, testNames.DeletionDate)
	if deletion == nil || deletion.DateTimeValue == nil {
		t.Fatal("ожидается deletion_date")
	}
	if time.Since(deletion.DateTimeValue.Time) > time.Minute {
		t.Errorf("deletion_date = %v, ожидается текущее время", deletion.DateTimeValue.Time)
	}
}

func TestSetDatasetState_MissingParent(t *testing.T) {
	store, _, _, _ := setupStore(t, true)

	err := store.SetDatasetState(context.Background(), testSession, 9999, "FAILED", false)
	var nf *icat.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("ожидается NotFoundError, получено %v", err)
	}
	if nf.Error() != "No Dataset with id=9999" {
		t.Errorf("сообщение = %q", nf.Error())
	}
}

func TestSetDatafileState(t *testing.T) {
	store, cat, _, files := setupStore(t, true)
	ctx := context.Background()

	if err := store.SetDatafileState(ctx, testSession, files[0].ID, "FAILED", false); err != nil {
		t.Fatalf("SetDatafileState: %v", err)
	}
	if p := cat.DatafileParameter(files[0].ID, testNames.JobState); p == nil || p.Text() != "FAILED" {
		t.Errorf("job_state файла = %+v", p)
	}
	if p := cat.DatafileParameter(files[1].ID, testNames.JobState); p != nil {
		t.Error("у второго файла параметр не должен появиться")
	}
}

func TestSetDatafileStates_BatchCreateThenUpdate(t *testing.T) {
	store, cat, dsID, files := setupStore(t, true)
	ctx := context.Background()
	if _, err := store.Types(ctx, testSession); err != nil {
		t.Fatalf("Types: %v", err)
	}

	writes := cat.Writes
	if err := store.SetDatafileStates(ctx, testSession, dsID, "SUBMITTED", false); err != nil {
		t.Fatalf("SetDatafileStates: %v", err)
	}
	if got := cat.Writes - writes; got != 1 {
		t.Errorf("создание должно быть одной пакетной записью, записей: %d", got)
	}
	ids := make(map[int64]int64)
	for _, f := range files {
		p := cat.DatafileParameter(f.ID, testNames.JobState)
		if p == nil || p.Text() != "SUBMITTED" {
			t.Fatalf("файл %d: job_state = %+v", f.ID, p)
		}
		ids[f.ID] = p.ID
	}

	writes = cat.Writes
	if err := store.SetDatafileStates(ctx, testSession, dsID, "FINISHED", false); err != nil {
		t.Fatalf("SetDatafileStates: %v", err)
	}
	if got := cat.Writes - writes; got != len(files) {
		t.Errorf("обновление по одному: записей %d, ожидается %d", got, len(files))
	}
	for _, f := range files {
		p := cat.DatafileParameter(f.ID, testNames.JobState)
		if p.ID != ids[f.ID] || p.Text() != "FINISHED" {
			t.Errorf("файл %d: параметр %+v", f.ID, p)
		}
	}

	states, err := store.DatafileStates(ctx, testSession, dsID)
	if err != nil {
		t.Fatalf("DatafileStates: %v", err)
	}
	if len(states) != 2 || states[0].Datafile.Location == "" {
		t.Errorf("DatafileStates = %+v", states)
	}
}

func TestJobIDs_FindSetPrune(t *testing.T) {
	store, cat, dsID, _ := setupStore(t, true)
	ctx := context.Background()

	if err := store.CreateJobIDs(ctx, testSession, dsID, []string{"job-a", "job-b"}); err != nil {
		t.Fatalf("CreateJobIDs: %v", err)
	}

	found, err := store.FindJobIDParameter(ctx, testSession, "job-b")
	if err != nil {
		t.Fatalf("FindJobIDParameter: %v", err)
	}
	if found == nil || found.Dataset.ID != dsID {
		t.Fatalf("ожидается параметр датасета %d, получено %+v", dsID, found)
	}
	if missing, _ := store.FindJobIDParameter(ctx, testSession, "job-z"); missing != nil {
		t.Errorf("job-z не должен находиться: %+v", missing)
	}

	if err := store.SetJobIDs(ctx, testSession, *found, []string{"job-b"}); err != nil {
		t.Fatalf("SetJobIDs: %v", err)
	}
	if p := cat.DatasetParameter(dsID, testNames.JobIDs); p == nil || p.Text() != "job-b" {
		t.Errorf("job_ids = %+v, ожидается job-b", p)
	}

	if err := store.SetJobIDs(ctx, testSession, *found, nil); err != nil {
		t.Fatalf("SetJobIDs(пусто): %v", err)
	}
	if p := cat.DatasetParameter(dsID, testNames.JobIDs); p != nil {
		t.Errorf("пустой список должен удалять параметр, получено %+v", p)
	}
	params, err := store.JobIDs(ctx, testSession, dsID)
	if err != nil || len(params) != 0 {
		t.Errorf("JobIDs = %v, %v", params, err)
	}
}

func TestSplitJobIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , ,b,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := SplitJobIDs(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("SplitJobIDs(%q) = %v, ожидается %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitJobIDs(%q) = %v, ожидается %v", tt.in, got, tt.want)
			}
		}
	}
	if JoinJobIDs([]string{"a", "b"}) != "a,b" {
		t.Error("JoinJobIDs")
	}
}
