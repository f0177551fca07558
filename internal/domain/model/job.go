// Пакет model — доменные модели Archive Broker: состояния заданий,
// метаданные архивации и ответы API.
package model

// Состояния заданий и файлов FTS.
const (
	StateStaging       = "STAGING"
	StateSubmitted     = "SUBMITTED"
	StateReady         = "READY"
	StateActive        = "ACTIVE"
	StateArchiving     = "ARCHIVING"
	StateFinished      = "FINISHED"
	StateFinishedDirty = "FINISHEDDIRTY"
	StateFailed        = "FAILED"
	StateCanceled      = "CANCELED"
	StateUnknown       = "UNKNOWN"

	// Только для отдельных файлов.
	StateOnHoldStaging = "ON_HOLD_STAGING"
	StateStarted       = "STARTED"
	StateOnHold        = "ON_HOLD"
	StateNotUsed       = "NOT_USED"
	StateDefunct       = "DEFUNCT"
)

// Незавершённые состояния задания, в порядке приоритета при агрегации:
// более ранняя фаза доминирует.
var ActiveJobStates = []string{
	StateStaging,
	StateSubmitted,
	StateReady,
	StateActive,
	StateArchiving,
}

// Терминальные состояния задания.
var CompleteJobStates = []string{
	StateFinished,
	StateFinishedDirty,
	StateFailed,
	StateCanceled,
}

// Состояния файла, при которых передача считается завершённой.
var CompleteTransferStates = []string{
	StateFinished,
	StateFailed,
	StateCanceled,
	StateDefunct,
}

// IsActiveJobState сообщает, что задание ещё выполняется.
func IsActiveJobState(state string) bool {
	return contains(ActiveJobStates, state)
}

// IsCompleteJobState сообщает, что задание в терминальном состоянии.
func IsCompleteJobState(state string) bool {
	return contains(CompleteJobStates, state)
}

// IsCompleteTransferState сообщает, что передача файла завершена.
func IsCompleteTransferState(state string) bool {
	return contains(CompleteTransferStates, state)
}

// IsKnownState сообщает, что состояние входит в словарь FTS (задания или файла).
func IsKnownState(state string) bool {
	switch state {
	case StateOnHoldStaging, StateStarted, StateOnHold, StateNotUsed, StateDefunct:
		return true
	}
	return IsActiveJobState(state) || IsCompleteJobState(state)
}

func contains(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
