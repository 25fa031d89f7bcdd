package db

import "time"

// User is the minimal user record consulted during authentication
type User struct {
	ID        string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"size:255"`
	Name      string `gorm:"size:255"`
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is the persisted device document
type Device struct {
	ID         string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"index;size:64"`
	LastTabID  string `gorm:"size:64"`
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Session is the persisted session document
type Session struct {
	ID                string `gorm:"primaryKey;size:64"`
	UserID            string `gorm:"index;size:64"`
	DeviceID          string `gorm:"size:64"`
	ExpiresAt         time.Time
	RefreshGeneration uint64
	LastRefreshedBy   string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SecurityEvent is an audit record of a propagated security event
type SecurityEvent struct {
	ID         uint      `gorm:"primaryKey"`
	EventID    string    `gorm:"uniqueIndex;size:64"`
	Type       string    `gorm:"index;size:128"`
	Origin     string    `gorm:"size:255"`
	Payload    string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}
