package model

import "time"

// ResourceStatus is the moderation state of a resource, independent of
// whether its file is correctly persisted.
type ResourceStatus string

const (
	StatusUploading ResourceStatus = "uploading"
	StatusPending   ResourceStatus = "pending"
	StatusApproved  ResourceStatus = "approved"
	StatusRejected  ResourceStatus = "rejected"
	StatusInactive  ResourceStatus = "inactive"
)

// StorageStatus is the record's belief about its blob in object storage.
type StorageStatus string

const (
	StorageSynced   StorageStatus = "synced"
	StoragePending  StorageStatus = "pending"
	StorageError    StorageStatus = "error"
	StorageDeleting StorageStatus = "deleting"
)

// Resource is one uploaded course document and its storage location.
type Resource struct {
	BaseModel
	Title       string `gorm:"size:100;not null" json:"title"`
	Description string `gorm:"size:500" json:"description"`
	CourseID    string `gorm:"size:50;index" json:"courseId"`

	OriginalFilename string `gorm:"size:255" json:"originalFilename"`
	FileType         string `gorm:"size:20" json:"fileType"`
	FileSize         int64  `json:"fileSize"`
	MimeType         string `gorm:"size:100" json:"mimeType"`
	FileHash         string `gorm:"size:64" json:"fileHash"`
	StoragePath      string `gorm:"size:512;uniqueIndex" json:"storagePath"`

	Status        ResourceStatus `gorm:"size:20;default:'pending';index" json:"status"`
	ReviewComment string         `gorm:"size:500" json:"reviewComment"`
	ReviewedAt    *time.Time     `json:"reviewedAt"`
	ReviewedBy    uint           `json:"reviewedBy"`

	StorageStatus StorageStatus `gorm:"size:20;default:'pending';index" json:"storageStatus"`
	LastSyncAt    *time.Time    `json:"lastSyncAt"`
	SyncError     string        `gorm:"size:500" json:"syncError"`
	RetryCount    int           `gorm:"default:0" json:"retryCount"`

	CreatedBy uint `gorm:"index" json:"createdBy"`
	UpdatedBy uint `json:"updatedBy"`
	IsActive  bool `gorm:"default:true" json:"isActive"`

	AverageRating float64 `gorm:"default:0" json:"averageRating"`
	RatingCount   int64   `gorm:"default:0" json:"ratingCount"`
}

func (Resource) TableName() string {
	return "resources"
}

// ReviewableStatuses are the statuses a reviewer may assign.
var ReviewableStatuses = []ResourceStatus{StatusPending, StatusApproved, StatusRejected, StatusInactive}

// IsReviewable reports whether s is a status a reviewer may assign.
func IsReviewable(s ResourceStatus) bool {
	for _, rs := range ReviewableStatuses {
		if s == rs {
			return true
		}
	}
	return false
}

// CanTransition reports whether a review may move a resource from one
// status to another. A rejected resource can only be re-approved, never
// returned to the review queue.
func CanTransition(from, to ResourceStatus) bool {
	if !IsReviewable(to) {
		return false
	}
	if from == StatusRejected && to == StatusPending {
		return false
	}
	return true
}

// ActiveForStatus derives the is_active flag from a review status.
func ActiveForStatus(s ResourceStatus) bool {
	return s != StatusRejected && s != StatusInactive
}
