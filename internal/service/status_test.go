package service

import (
	"context"
	"testing"

	"github.com/bigkaa/goartstore/archive-broker/internal/domain/model"
)

func (e *testEnv) statusService() *StatusService {
	return NewStatusService(e.reconciler, e.params, e.sessions, testLogger())
}

func TestSetDatasetStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	dsID, _ := env.archive(t, "ds1", "a.nxs")
	svc := env.statusService()

	err := svc.SetDatasetStatus(ctx, testSession, dsID, model.StatusUpdateRequest{State: model.StateFinished})
	assertClientError(t, err, ErrForbidden, msgInsufficientPermissions)

	err = svc.SetDatasetStatus(ctx, adminSession, dsID, model.StatusUpdateRequest{
		State:           model.StateFinished,
		SetDeletionDate: true,
		Datafiles:       true,
	})
	if err != nil {
		t.Fatalf("SetDatasetStatus: %v", err)
	}
	if p := env.cat.DatasetParameter(dsID, testNames.JobState); p == nil || p.Text() != model.StateFinished {
		t.Errorf("job_state = %v, ожидалось FINISHED", p)
	}
	if env.cat.DatasetParameter(dsID, testNames.DeletionDate) == nil {
		t.Error("deletion_date не выставлен")
	}
	for _, df := range env.cat.DatasetFiles(dsID) {
		if p := env.cat.DatafileParameter(df.ID, testNames.JobState); p == nil || p.Text() != model.StateFinished {
			t.Errorf("job_state файла %s = %v", df.Name, p)
		}
	}

	// состояние терминально, ответ берётся из каталога
	status, err := svc.DatasetStatus(ctx, testSession, dsID, false)
	if err != nil {
		t.Fatalf("DatasetStatus: %v", err)
	}
	if status.State != model.StateFinished {
		t.Errorf("State = %q", status.State)
	}
}

func TestSetDatafileStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	dsID, _ := env.archive(t, "ds1", "a.nxs")
	df := env.cat.DatasetFiles(dsID)[0]

	err := env.statusService().SetDatafileStatus(ctx, adminSession, df.ID, model.StatusUpdateRequest{State: model.StateFailed})
	if err != nil {
		t.Fatalf("SetDatafileStatus: %v", err)
	}
	if p := env.cat.DatafileParameter(df.ID, testNames.JobState); p == nil || p.Text() != model.StateFailed {
		t.Errorf("job_state = %v, ожидалось FAILED", p)
	}
}
