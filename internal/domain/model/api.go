package model

// ArchiveRequest — запрос архивации одного датасета.
type ArchiveRequest struct {
	Investigation Investigation `json:"investigation" validate:"required"`
	Dataset       Dataset       `json:"dataset" validate:"required"`
}

// ArchiveResponse — созданные датасеты и задания FTS.
type ArchiveResponse struct {
	DatasetIDs []int64  `json:"dataset_ids"`
	JobIDs     []string `json:"job_ids"`
}

// BucketACL — ACL корзины S3 для восстановления.
type BucketACL string

// Допустимые ACL.
const (
	BucketACLPrivate    BucketACL = "private"
	BucketACLPublicRead BucketACL = "public-read"
)

// TransferRequest — набор id сущностей каталога для передачи.
type TransferRequest struct {
	InvestigationIDs []int64   `json:"investigation_ids,omitempty"`
	DatasetIDs       []int64   `json:"dataset_ids,omitempty"`
	DatafileIDs      []int64   `json:"datafile_ids,omitempty"`
	BucketACL        BucketACL `json:"bucket_acl,omitempty" validate:"omitempty,oneof=private public-read"`
}

// Empty сообщает, что не передано ни одного id.
func (r *TransferRequest) Empty() bool {
	return len(r.InvestigationIDs)+len(r.DatasetIDs)+len(r.DatafileIDs) == 0
}

// TransferResponse — задания FTS и, для S3, имя созданной корзины.
type TransferResponse struct {
	JobIDs     []string `json:"job_ids"`
	BucketName string   `json:"bucket_name,omitempty"`
}

// DatasetStatus — состояние архивации датасета.
type DatasetStatus struct {
	State      string            `json:"state"`
	FileStates map[string]string `json:"file_states,omitempty"`
}

// StatusUpdateRequest — ручная установка состояния оператором.
type StatusUpdateRequest struct {
	State           string `json:"state" validate:"required,max=255"`
	SetDeletionDate bool   `json:"set_deletion_date"`
	// Datafiles — применить состояние и ко всем файлам датасета
	Datafiles bool `json:"datafiles,omitempty"`
}

// LoginRequest — учётные данные пользователя каталога.
type LoginRequest struct {
	Auth     string `json:"auth" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse — идентификатор сессии каталога.
type LoginResponse struct {
	SessionID string `json:"sessionId"`
}

// CancelResponse — терминальное состояние отменённого задания.
type CancelResponse struct {
	State string `json:"state"`
}

// CompleteResponse — признак завершения.
type CompleteResponse struct {
	Complete bool `json:"complete"`
}

// PercentageResponse — процент завершённых файлов.
type PercentageResponse struct {
	PercentageComplete float64 `json:"percentage_complete"`
}

// VersionResponse — версия сервиса.
type VersionResponse struct {
	Version string `json:"version"`
}
