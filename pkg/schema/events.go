// pkg/schema/events.go
package schema

// EventKind names an audited occurrence.
type EventKind string

const (
	EventDocumentRegistered  EventKind = "DocumentRegistered"
	EventDocumentResubmitted EventKind = "DocumentResubmitted"
	EventDocumentAccessed    EventKind = "DocumentAccessed"
	EventJobQueued           EventKind = "JobQueued"
	EventJobStarted          EventKind = "JobStarted"
	EventJobFinished         EventKind = "JobFinished"
	EventStageStarted        EventKind = "StageStarted"
	EventStageCompleted      EventKind = "StageCompleted"
	EventStageFailed         EventKind = "StageFailed"
	EventStageSkipped        EventKind = "StageSkipped"
	EventBatchSubmitted      EventKind = "BatchSubmitted"
	EventBatchCancelled      EventKind = "BatchCancelled"
	EventResultsAccessed     EventKind = "ResultsAccessed"
	EventReportExported      EventKind = "ReportExported"
	EventAuditTrailAccessed  EventKind = "AuditTrailAccessed"
	EventCustodyAccessed     EventKind = "CustodyHistoryAccessed"
	EventLedgerVerified      EventKind = "LedgerVerified"
	EventIntegrityViolation  EventKind = "IntegrityViolation"
)

type JobStatus string

const (
	JobQueued             JobStatus = "queued"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartiallyCompleted || s == JobFailed
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

type DocumentStatus string

const (
	DocumentRegistered  DocumentStatus = "registered"
	DocumentQuarantined DocumentStatus = "quarantined"
)

type AccessKind string

const (
	AccessView     AccessKind = "view"
	AccessExport   AccessKind = "export"
	AccessTransfer AccessKind = "transfer"
	AccessAnalyze  AccessKind = "analyze"
)

type FailureReason string

const (
	FailureRequiredStage    FailureReason = "required_stage_failed"
	FailureCancelled        FailureReason = "cancelled"
	FailureIntegrity        FailureReason = "integrity_violation"
	FailureAuditUnavailable FailureReason = "audit_unavailable"
	FailureShutdown         FailureReason = "shutdown"
	FailureStorage          FailureReason = "storage_unavailable"
)

// LifecycleEvent is published on the event subject for every audit entry.
type LifecycleEvent struct {
	Seq        uint64            `json:"seq"`
	Kind       EventKind         `json:"kind"`
	Actor      string            `json:"actor"`
	Subject    string            `json:"subject"`
	DocumentID string            `json:"document_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Digest     string            `json:"digest"`
	HappenedAt int64             `json:"happened_at"`
}

// AnalysisRequest is consumed from the intake subject.
type AnalysisRequest struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// AnalysisAccepted acknowledges an AnalysisRequest.
type AnalysisAccepted struct {
	RequestID  string `json:"request_id"`
	DocumentID string `json:"document_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	HappenedAt int64  `json:"happened_at"`
}
