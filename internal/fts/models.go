package fts

// Transfer — описание передачи одного файла в задании FTS.
type Transfer struct {
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
	Checksum     string   `json:"checksum,omitempty"`
	Filesize     int64    `json:"filesize,omitempty"`
	Metadata     any      `json:"metadata,omitempty"`
}

// JobParams — параметры задания FTS. Отрицательные bring_online и
// archive_timeout означают «не использовать».
type JobParams struct {
	VerifyChecksum string `json:"verify_checksum"`
	Retry          int    `json:"retry"`
	BringOnline    int    `json:"bring_online"`
	ArchiveTimeout int    `json:"archive_timeout"`
	StrictCopy     bool   `json:"strict_copy"`
}

// Job — тело запроса POST /jobs.
type Job struct {
	Files  []Transfer `json:"files"`
	Params JobParams  `json:"params"`
}

// FileStatus — состояние передачи одного файла.
type FileStatus struct {
	FileID     int64  `json:"file_id,omitempty"`
	FileState  string `json:"file_state"`
	SourceSURL string `json:"source_surl"`
	DestSURL   string `json:"dest_surl,omitempty"`
	FileSize   int64  `json:"filesize,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// JobStatus — состояние задания FTS.
type JobStatus struct {
	JobID      string       `json:"job_id"`
	JobState   string       `json:"job_state"`
	Reason     string       `json:"reason,omitempty"`
	SubmitTime string       `json:"submit_time,omitempty"`
	Files      []FileStatus `json:"files,omitempty"`
}

// submitResponse — ответ POST /jobs.
type submitResponse struct {
	JobID string `json:"job_id"`
}

// errorResponse — тело ошибки REST API FTS.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
