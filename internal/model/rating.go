package model

// Rating is one user's score for one resource. The composite unique index
// guarantees at most one row per (resource, user) pair; a second submission
// from the same user updates the existing row.
type Rating struct {
	BaseModel
	ResourceID uint    `gorm:"not null;uniqueIndex:idx_resource_user" json:"resourceId"`
	UserID     uint    `gorm:"not null;uniqueIndex:idx_resource_user" json:"userId"`
	Rating     float64 `gorm:"not null" json:"rating"`
}

func (Rating) TableName() string {
	return "ratings"
}
