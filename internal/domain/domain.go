package domain

// Project statuses. A project only moves forward along the pipeline; failed
// and cancelled are reachable from any non-terminal status.
const (
	ProjectAnalyzing    = "analyzing"
	ProjectPlanning     = "planning"
	ProjectReadyToBuild = "ready_to_build"
	ProjectBuilding     = "building"
	ProjectCompleted    = "completed"
	ProjectFailed       = "failed"
	ProjectCancelled    = "cancelled"
)

// Queued task statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task types the queue knows how to dispatch.
const (
	TaskAnalyzeConversation = "analyze_conversation"
	TaskGeneratePlan        = "generate_plan"
	TaskTriggerBuild        = "trigger_build"
	TaskProcessWebhook      = "process_webhook"
	TaskSendNotification    = "send_notification"
)

// Build event types recorded in the ledger.
const (
	EventBuildStarted   = "build_started"
	EventBuildProgress  = "build_progress"
	EventBuildCompleted = "build_completed"
	EventBuildFailed    = "build_failed"
	EventBuildCancelled = "build_cancelled"
	EventFileGenerated  = "file_generated"
	EventLogEntry       = "log_entry"
)

type Project struct {
	ID                 int64   `json:"id"`
	ConversationID     string  `json:"conversation_id"`
	Name               string  `json:"name,omitempty"`
	Status             string  `json:"status" enum:"analyzing,planning,ready_to_build,building,completed,failed,cancelled"`
	AnalysisJSON       *string `json:"analysis_json,omitempty"`
	PlanJSON           *string `json:"plan_json,omitempty"`
	BuildRef           *string `json:"build_ref,omitempty"`
	ExternalProjectRef *string `json:"external_project_ref,omitempty"`
	RetryCount         int     `json:"retry_count"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	MetadataJSON       string  `json:"metadata_json,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the project can no longer change status.
func (p Project) Terminal() bool {
	return TerminalProjectStatus(p.Status)
}

func TerminalProjectStatus(status string) bool {
	return status == ProjectCompleted || status == ProjectFailed || status == ProjectCancelled
}

type QueuedTask struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type" enum:"analyze_conversation,generate_plan,trigger_build,process_webhook,send_notification"`
	PayloadJSON string  `json:"payload_json"`
	Status      string  `json:"status" enum:"pending,processing,completed,failed"`
	Priority    int     `json:"priority"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	LastError   *string `json:"last_error,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// BuildEvent is one immutable ledger entry. SequenceNumber is the
// externally-issued monotonic counter; it is nil for events the build
// service did not number.
type BuildEvent struct {
	ID             int64  `json:"id"`
	ProjectID      int64  `json:"project_id"`
	Type           string `json:"type"`
	DataJSON       string `json:"data_json,omitempty"`
	Message        string `json:"message,omitempty"`
	SequenceNumber *int64 `json:"sequence_number,omitempty"`
	TS             string `json:"ts" format:"date-time"`
}

// BuildTriggerResult is what the build service returns when a build is
// started.
type BuildTriggerResult struct {
	BuildID             string `json:"build_id"`
	ExternalProjectID   string `json:"external_project_id"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
}

// Subscription is a store-backed broadcast target. ProjectID zero means the
// subscription receives events for every project.
type Subscription struct {
	ID        string  `json:"id"`
	ProjectID int64   `json:"project_id,omitempty"`
	URL       string  `json:"url"`
	Events    *string `json:"events,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
