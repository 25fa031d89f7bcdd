package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ericfitz/sessioncore/internal/tokens"
)

var (
	// ErrUserNotFound is returned when no user record exists
	ErrUserNotFound = errors.New("user not found")
	// ErrDeviceNotFound is returned when no device record exists
	ErrDeviceNotFound = errors.New("device not found")
)

// Users loads user records
type Users struct {
	db *gorm.DB
}

func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// LoadUser returns ErrUserNotFound when id is unknown
func (u *Users) LoadUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := u.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return &user, nil
}

// SaveUser creates or replaces a user record
func (u *Users) SaveUser(ctx context.Context, user *User) error {
	if err := u.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(user).Error; err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

// Devices loads and saves device documents
type Devices struct {
	db *gorm.DB
}

func NewDevices(db *gorm.DB) *Devices {
	return &Devices{db: db}
}

// LoadDevice returns ErrDeviceNotFound when id is unknown
func (d *Devices) LoadDevice(ctx context.Context, id string) (*Device, error) {
	var device Device
	err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", id, err)
	}
	return &device, nil
}

// SaveDevice creates or replaces a device document
func (d *Devices) SaveDevice(ctx context.Context, device *Device) error {
	if err := d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(device).Error; err != nil {
		return fmt.Errorf("save device %s: %w", device.ID, err)
	}
	return nil
}

// Touch records that a tab of the device authenticated at seenAt
func (d *Devices) Touch(ctx context.Context, userID, deviceID, tabID string, seenAt time.Time) error {
	return d.SaveDevice(ctx, &Device{ID: deviceID, UserID: userID, LastTabID: tabID, LastSeenAt: seenAt})
}

// Sessions stores session documents for the token coordinator
type Sessions struct {
	db *gorm.DB
}

func NewSessions(db *gorm.DB) *Sessions {
	return &Sessions{db: db}
}

// LoadSession returns tokens.ErrSessionNotFound when id is unknown
func (s *Sessions) LoadSession(ctx context.Context, id string) (*tokens.SessionDocument, error) {
	var rec Session
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", tokens.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &tokens.SessionDocument{
		ID:                rec.ID,
		UserID:            rec.UserID,
		DeviceID:          rec.DeviceID,
		ExpiresAt:         rec.ExpiresAt,
		RefreshGeneration: rec.RefreshGeneration,
		LastRefreshedBy:   rec.LastRefreshedBy,
	}, nil
}

func (s *Sessions) SaveSession(ctx context.Context, doc *tokens.SessionDocument) error {
	rec := Session{
		ID:                doc.ID,
		UserID:            doc.UserID,
		DeviceID:          doc.DeviceID,
		ExpiresAt:         doc.ExpiresAt,
		RefreshGeneration: doc.RefreshGeneration,
		LastRefreshedBy:   doc.LastRefreshedBy,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("save session %s: %w", doc.ID, err)
	}
	return nil
}

// SecurityEvents persists security events emitted through propagation.
// Recording the same event id twice is a no-op so retried writes are safe.
type SecurityEvents struct {
	db *gorm.DB
}

func NewSecurityEvents(db *gorm.DB) *SecurityEvents {
	return &SecurityEvents{db: db}
}

func (s *SecurityEvents) RecordSecurityEvent(ctx context.Context, eventID, eventType, origin string, payload []byte, at time.Time) error {
	rec := SecurityEvent{
		EventID:    eventID,
		Type:       eventType,
		Origin:     origin,
		Payload:    string(payload),
		OccurredAt: at,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("record security event %s: %w", eventID, err)
	}
	return nil
}

// Recent returns up to limit records of eventType, newest first; empty eventType matches all
func (s *SecurityEvents) Recent(ctx context.Context, eventType string, limit int) ([]SecurityEvent, error) {
	q := s.db.WithContext(ctx).Order("occurred_at DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var out []SecurityEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent security events: %w", err)
	}
	return out, nil
}
