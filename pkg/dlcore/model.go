// Package dlcore implements the multi-protocol fragment download engine:
// job/item lifecycle, the resolver/driver plugin model, the durable fragment
// store, and the range-capable HTTP transfer driver.
package dlcore

import (
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies a submitted job for the lifetime of an Engine.
type JobID = uuid.UUID

// ItemID uniquely identifies a download item within a job.
type ItemID = uuid.UUID

// NewJobID allocates a fresh JobID.
func NewJobID() JobID { return uuid.New() }

// NewItemID allocates a fresh ItemID.
func NewItemID() ItemID { return uuid.New() }

// ParseJobID parses a JobID previously rendered with String().
func ParseJobID(s string) (JobID, error) { return uuid.Parse(s) }

// JobStatus is the lifecycle state of a job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobPaused
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobPaused:
		return "paused"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemStatus is the lifecycle state of a single download item.
type ItemStatus int

const (
	ItemResolving ItemStatus = iota
	ItemReady
	ItemDownloading
	ItemVerifying
	ItemAssembling
	ItemDone
	ItemFailed
)

func (s ItemStatus) String() string {
	switch s {
	case ItemResolving:
		return "resolving"
	case ItemReady:
		return "ready"
	case ItemDownloading:
		return "downloading"
	case ItemVerifying:
		return "verifying"
	case ItemAssembling:
		return "assembling"
	case ItemDone:
		return "done"
	case ItemFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResourceType tags the protocol family a ResourceDescriptor belongs to.
type ResourceType int

const (
	ResourceHTTP ResourceType = iota
	ResourceGitHubResolvedHTTP
	ResourceBitTorrent
	ResourceEd2k
	ResourceFTP
	ResourceSFTP
	ResourceADB
)

func (t ResourceType) String() string {
	switch t {
	case ResourceHTTP:
		return "http"
	case ResourceGitHubResolvedHTTP:
		return "github-http"
	case ResourceBitTorrent:
		return "bittorrent"
	case ResourceEd2k:
		return "ed2k"
	case ResourceFTP:
		return "ftp"
	case ResourceSFTP:
		return "sftp"
	case ResourceADB:
		return "adb"
	default:
		return "unknown"
	}
}

// IsWholeFile reports whether this resource type is handled by an opaque
// WholeFileDriver rather than the fragment-based HTTP pipeline.
func (t ResourceType) IsWholeFile() bool {
	switch t {
	case ResourceFTP, ResourceSFTP, ResourceBitTorrent, ResourceEd2k, ResourceADB:
		return true
	default:
		return false
	}
}

// Capabilities is an advisory hint about what a resource supports; the
// engine only trusts it until Probe returns an authoritative answer.
type Capabilities struct {
	SupportsRanges bool
	MaxParallel    uint32
}

// ResourceDescriptor is a protocol-tagged handle to a downloadable resource.
type ResourceDescriptor struct {
	Type    ResourceType
	URI     string
	Headers Headers
	Meta    map[string]string
	Caps    Capabilities
}

// LinkInput is a single user-supplied link together with per-link overrides.
type LinkInput struct {
	Raw     string
	Headers map[string]string
	Options map[string]string
}

// DownloadItemDraft is what a resolver produces for a candidate download,
// before the engine admits it as a DownloadItem.
type DownloadItemDraft struct {
	DisplayName   string
	SuggestedPath string
	TotalSize     *int64
	Resources     []ResourceDescriptor
}

// DownloadItem is an admitted, engine-tracked download.
type DownloadItem struct {
	ID          ItemID
	JobID       JobID
	Status      ItemStatus
	DisplayName string
	TargetPath  string
	TotalSize   *int64
	Resources   []ResourceDescriptor
	Options     map[string]string
}

// Primary returns the item's primary (first) resource.
func (i *DownloadItem) Primary() ResourceDescriptor {
	return i.Resources[0]
}

// FragmentKind distinguishes a byte-range fragment from an indexed
// (per-piece) fragment; only Range fragments are used by the HTTP core.
type FragmentKind int

const (
	FragmentRange FragmentKind = iota
	FragmentIndexed
)

// FragmentState is the lifecycle state of one fragment.
type FragmentState int

const (
	FragMissing FragmentState = iota
	FragDownloading
	FragDone
	FragBad
)

func (s FragmentState) String() string {
	switch s {
	case FragMissing:
		return "missing"
	case FragDownloading:
		return "downloading"
	case FragDone:
		return "done"
	case FragBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Pending reports whether the fragment still needs to be (re)downloaded.
func (s FragmentState) Pending() bool {
	return s == FragMissing || s == FragBad
}

// Fragment is one unit of work within an item.
//
// A Range fragment covers the half-open byte interval [Offset, Offset+Len).
// The sentinel Range{0,0} means "whole file, not range-split" and is used
// when the driver does not support ranges or the size is unknown.
// ItemRowID references the durable item record (ItemRecord.ID), not the
// engine-level ItemID.
type Fragment struct {
	ID        int64
	ItemRowID int64
	Kind      FragmentKind
	Offset    int64
	Len       int64
	Index     int64
	State     FragmentState
}

// IsWholeSentinel reports whether this is the "download everything in one
// shot" sentinel fragment.
func (f Fragment) IsWholeSentinel() bool {
	return f.Kind == FragmentRange && f.Offset == 0 && f.Len == 0
}

// ItemRecord is the durable row shape for an item, as read back from the
// fragment store.
type ItemRecord struct {
	ID              int64
	SourceURI       string
	TargetPath      string
	PartialPath     string
	TotalSize       *int64
	ChunkSize       int64
	SupportsRanges  bool
	DownloadedBytes int64
	UpdatedAt       time.Time
}
