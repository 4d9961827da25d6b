// Package types holds the shared domain types of the ARchitect local store:
// records, relationships, snapshots, backup and integrity metadata, and the
// error taxonomy used across the storage, migration, versioning and integrity
// subsystems.
package types

import (
	"time"
)

// Record is a typed entity instance in the durable object graph.
// Every record belongs to exactly one project aggregate (ProjectID), except
// shared catalog records, which carry an empty ProjectID. Relationships are
// explicit foreign-key style references; there are no back-pointers.
type Record struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	EntityType    string         `json:"entity_type"`
	Fields        map[string]any `json:"fields"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Alive         bool           `json:"alive"`
	Checksum      string         `json:"checksum"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Relationship is a named, directed reference from one record to another.
// Owning relationships cascade: deleting the source orphans the target, which
// the integrity checker treats as repairable.
type Relationship struct {
	Name     string `json:"name"`
	TargetID string `json:"target_id"`
	Owning   bool   `json:"owning"`
}

// Clone returns a deep copy of the record. Contexts hand out clones so staged
// state never aliases committed state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	cp.Relationships = append([]Relationship(nil), r.Relationships...)
	return &cp
}

// IsProjectRoot reports whether the record is a project aggregate root.
func (r *Record) IsProjectRoot() bool {
	return r.EntityType == EntityProject
}

// Well-known entity types. Furniture and rooms are the interesting child
// records of a project; catalog items are shared across projects.
const (
	EntityProject     = "project"
	EntityFurniture   = "furniture"
	EntityRoom        = "room"
	EntityCatalogItem = "catalog_item"
)

// ChangeOrigin distinguishes locally authored commits from changes applied on
// behalf of the remote-sync collaborator. Both travel the same commit path.
type ChangeOrigin string

const (
	OriginLocal    ChangeOrigin = "local"
	OriginExternal ChangeOrigin = "external"
)

// CommitSummary describes one applied commit. It is published on the engine's
// commit bus so versioning and sync collaborators observe every change.
type CommitSummary struct {
	Inserted   int          `json:"inserted"`
	Updated    int          `json:"updated"`
	Deleted    int          `json:"deleted"`
	ProjectIDs []string     `json:"project_ids"`
	Origin     ChangeOrigin `json:"origin"`
	At         time.Time    `json:"at"`
}

// ChangeCount is the total number of mutations in the commit.
func (cs CommitSummary) ChangeCount() int {
	return cs.Inserted + cs.Updated + cs.Deleted
}

// MergePolicy controls how conflicting concurrent updates to the same record
// resolve at commit time.
//
// MergeLastWriteWins (the default): the last committed write wins per field;
// overwritten fields are logged at warn level. Callers must assume silent
// overwrite is possible under this policy.
//
// MergeSurfaceConflicts: the commit fails with a ConflictError naming every
// conflicting field, and nothing is written.
type MergePolicy string

const (
	MergeLastWriteWins    MergePolicy = "last_write_wins"
	MergeSurfaceConflicts MergePolicy = "surface"
)

// SnapshotType tags how a version snapshot came to exist.
type SnapshotType string

const (
	SnapshotAutomatic    SnapshotType = "automatic"
	SnapshotManual       SnapshotType = "manual"
	SnapshotBeforeRestore SnapshotType = "before_restore"
	SnapshotPreMigration SnapshotType = "pre_migration"
)

// VersionSnapshot is an immutable, checksummed capture of one project's full
// state. Version numbers are strictly increasing per project and never reused.
type VersionSnapshot struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Version       int64        `json:"version"`
	Type          SnapshotType `json:"type"`
	Comment       string       `json:"comment,omitempty"`
	Author        string       `json:"author,omitempty"`
	Checksum      string       `json:"checksum"`
	CreatedAt     time.Time    `json:"created_at"`
	AppVersion    string       `json:"app_version"`
	SchemaVersion string       `json:"schema_version"`
	Payload       []byte       `json:"-"`
}

// SnapshotPayload is the serialized document a snapshot checksum covers.
// The checksum is computed over the exact marshaled byte sequence.
type SnapshotPayload struct {
	ProjectInfo  ProjectInfo      `json:"projectInfo"`
	CoreFields   map[string]any   `json:"coreFields"`
	ChildRecords []Record         `json:"childRecords"`
	Metadata     SnapshotMetadata `json:"metadata"`
}

// ProjectInfo carries the identifying fields of the snapshotted project.
type ProjectInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
}

// SnapshotMetadata records provenance of a snapshot payload.
type SnapshotMetadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	AppVersion    string    `json:"appVersion"`
	SchemaVersion string    `json:"schemaVersion"`
}

// BackupType tags why a full-store backup set was taken.
type BackupType string

const (
	BackupPreMigration BackupType = "pre_migration"
	BackupManual       BackupType = "manual"
	BackupAutomatic    BackupType = "automatic"
	BackupPreRollback  BackupType = "pre_rollback"
)

// BackupRecord is the metadata for one full-store backup set.
type BackupRecord struct {
	ID         string     `json:"id"`
	SourcePath string     `json:"source_path"`
	BackupPath string     `json:"backup_path"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	SizeBytes  int64      `json:"size_bytes"`
	Type       BackupType `json:"type"`
	Checksum   string     `json:"checksum"`
}

// Expired reports whether the backup set has passed its retention window.
func (b BackupRecord) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// IssueType classifies a discovered integrity defect.
type IssueType string

const (
	IssueOrphanedRecord      IssueType = "orphaned_record"
	IssueMissingRelationship IssueType = "missing_relationship"
	IssueInvalidField        IssueType = "invalid_field"
	IssueCorruptedChecksum   IssueType = "corrupted_checksum"
	IssueDuplicateEntity     IssueType = "duplicate_entity"
	IssueInconsistentState   IssueType = "inconsistent_state"
	IssuePerformance         IssueType = "performance"
	IssueStorage             IssueType = "storage"
	IssueSync                IssueType = "sync"
	IssueBackup              IssueType = "backup"
)

// Severity grades an integrity issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// IntegrityIssue is one discovered defect in the stored object graph.
// Issues are ephemeral: recomputed on each check, persisted only as part of a
// RepairRecord audit entry.
type IntegrityIssue struct {
	Type       IssueType `json:"type"`
	Severity   Severity  `json:"severity"`
	RecordID   string    `json:"record_id,omitempty"`
	Message    string    `json:"message"`
	Repairable bool      `json:"repairable"`
	Remedy     string    `json:"remedy,omitempty"`
}

// RepairRecord is the audit outcome of one repair pass.
type RepairRecord struct {
	ID        string        `json:"id"`
	Attempted int           `json:"attempted"`
	Repaired  int           `json:"repaired"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Automatic bool          `json:"automatic"`
	At        time.Time     `json:"at"`
}
