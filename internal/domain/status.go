// Package domain holds the entities and closed enums shared by every
// component of the download engine: downloads, files, articles, and the
// small value types that round-trip through the persistence store.
package domain

import "time"

// Status is the closed set of lifecycle states a Download passes through.
// Queued, Paused, Complete and Failed are stable points; the rest are
// in-progress phases the driver or post-processing pipeline hold briefly.
type Status string

const (
	StatusQueued      Status = "Queued"
	StatusDownloading Status = "Downloading"
	StatusPaused      Status = "Paused"
	StatusProcessing  Status = "Processing"
	StatusComplete    Status = "Complete"
	StatusFailed      Status = "Failed"
	StatusVerifying   Status = "Verifying"
	StatusRepairing   Status = "Repairing"
	StatusExtracting  Status = "Extracting"
	StatusMoving      Status = "Moving"
)

// IsTerminal reports whether a Download in this status will never be acted
// on again by the driver or scheduler; pause and resume on it conflict.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Priority governs admission ordering. Force bypasses the
// max-concurrent gate entirely.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityForce  Priority = 2
)

// ArticleStatus is the closed set of states for a single Usenet segment.
type ArticleStatus int

const (
	ArticleStatusPending ArticleStatus = iota
	ArticleStatusDownloaded
	ArticleStatusFailed
)

// PostProcessMode selects which stages of the pipeline a Download
// runs. The ordering is meaningful: each mode implies every stage of
// the modes below it.
type PostProcessMode string

const (
	PostProcessNone              PostProcessMode = "None"
	PostProcessVerify            PostProcessMode = "Verify"
	PostProcessVerifyAndRepair   PostProcessMode = "VerifyAndRepair"
	PostProcessUnpack            PostProcessMode = "Unpack"
	PostProcessUnpackAndCleanup  PostProcessMode = "UnpackAndCleanup"
)

func (m PostProcessMode) AtLeastVerify() bool {
	return m == PostProcessVerify || m.AtLeastRepair()
}

func (m PostProcessMode) AtLeastRepair() bool {
	return m == PostProcessVerifyAndRepair || m.AtLeastUnpack()
}

func (m PostProcessMode) AtLeastUnpack() bool {
	return m == PostProcessUnpack || m == PostProcessUnpackAndCleanup
}

func (m PostProcessMode) AtLeastCleanup() bool {
	return m == PostProcessUnpackAndCleanup
}

// DirectUnpackState tracks the streaming sidepath's own small state
// machine, persisted alongside the Download row.
type DirectUnpackState string

const (
	DirectUnpackNotStarted DirectUnpackState = "NotStarted"
	DirectUnpackRunning    DirectUnpackState = "Running"
	DirectUnpackFailed     DirectUnpackState = "Failed"
)

// FileCollision is the globally configured policy for name clashes during
// the Move stage.
type FileCollision string

const (
	CollisionRename    FileCollision = "Rename"
	CollisionOverwrite FileCollision = "Overwrite"
	CollisionSkip      FileCollision = "Skip"
)

// DuplicateAction is the configured response to a duplicate-detection hit.
type DuplicateAction string

const (
	DuplicateAllow DuplicateAction = "Allow"
	DuplicateWarn  DuplicateAction = "Warn"
	DuplicateBlock DuplicateAction = "Block"
)

// DuplicateMethod is one of the lookup keys duplicate detection may use.
type DuplicateMethod string

const (
	DuplicateMethodNzbHash DuplicateMethod = "NzbHash"
	DuplicateMethodNzbName DuplicateMethod = "NzbName"
	DuplicateMethodJobName DuplicateMethod = "JobName"
)

// Download is the root entity of one unit of work.
type Download struct {
	ID                       int64
	DisplayName              string
	SourcePath               string
	SourceHash               string
	ParsedJobName            string
	Category                 string
	DestinationRoot          string
	PostProcessMode          PostProcessMode
	Priority                 Priority
	Status                   Status
	ProgressFraction         float64
	CurrentSpeedBps          int64
	TotalBytes               int64
	DownloadedBytes          int64
	Error                    string
	CreatedAt                time.Time
	StartedAt                *time.Time
	CompletedAt              *time.Time
	DirectUnpackState        DirectUnpackState
	DirectUnpackExtractedCnt int
}

// DownloadFile is a single logical file inside the NZB, identified by
// (download_id, file_index).
type DownloadFile struct {
	DownloadID       int64
	FileIndex        int
	ParsedFilename   string
	OriginalSubject  string
	TotalSegments    int
	Completed        bool
	OriginalFilename string
}

// Article is one Usenet segment.
type Article struct {
	ID            int64
	DownloadID    int64
	MessageID     string
	SegmentNumber int
	FileIndex     int
	SizeBytes     int64
	Status        ArticleStatus
	DownloadedAt  *time.Time
}

// PasswordCache is the last archive password that worked for a download.
type PasswordCache struct {
	DownloadID int64
	Password   string
}

// ProcessedSource records a watch-folder path already ingested, so folder
// watching stays idempotent across restarts.
type ProcessedSource struct {
	SourcePath  string
	ProcessedAt time.Time
}

// RuntimeState is a small key-value table; the only key the core cares
// about is "clean_shutdown".
type RuntimeState struct {
	Key   string
	Value string
}

// HistoryEntry is a post-terminal record independent of the Download row,
// inserted on Complete/Failed before an optional purge.
type HistoryEntry struct {
	ID           int64
	DownloadID   int64
	DisplayName  string
	Status       Status
	Category     string
	FinalPath    string
	Error        string
	CompletedAt  time.Time
}
