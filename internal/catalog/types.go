// Package catalog is the canonical relational store for knowledge bases,
// documents and chunks, backed by SQLite. It is the transactional boundary
// for every mutation that touches more than one row.
package catalog

import (
	"time"
)

// Document processing states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Document source types.
const (
	SourceUpload = "upload"
	SourceAPI    = "api"
	SourceGit    = "git"
	SourceSVN    = "svn"
	SourceURL    = "url"
)

// KB visibility levels.
const (
	VisibilityPrivate = "private"
	VisibilityTeam    = "team"
	VisibilityPublic  = "public"
)

// KnowledgeBase is a tenant-owned corpus. The embedding dimension is fixed
// once the first document completes.
type KnowledgeBase struct {
	ID                 string
	Name               string
	Description        string
	OwnerID            string
	Visibility         string
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int
	DocumentCount      int
	ChunkCount         int
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Document is one uploaded or pushed file within a knowledge base.
type Document struct {
	ID           string
	KBID         string
	FileName     string
	FileType     string
	FileSize     int64
	FilePath     string // object store path
	ContentHash  string // sha-256 hex
	Description  string
	Status       Status
	SourceType   string
	ChunkCount   int
	RetryCount   int
	ErrorMessage string
	WorkerID     string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// Chunk is one indexed slice of a document's extracted text. chunk_index is
// dense and unique per document.
type Chunk struct {
	ID             string
	DocumentID     string
	KBID           string
	ChunkIndex     int
	Content        string
	StartChar      int
	EndChar        int
	TokenCount     int
	VectorID       string
	Metadata       map[string]string
	EmbeddingModel string
	CreatedAt      time.Time
}

// DeletedDocument reports what a document deletion removed, so the caller
// can purge the blob and vector records.
type DeletedDocument struct {
	KBID       string
	FilePath   string
	VectorIDs  []string
	ChunkCount int
}

// KeywordHit is one keyword search match, hydrated from the chunk row.
type KeywordHit struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Content    string
	FileName   string
	FileType   string
	ChunkIndex int
	Metadata   map[string]string
	CreatedAt  time.Time
}
