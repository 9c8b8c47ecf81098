package registry

import (
	"context"
	"errors"
	"time"

	"github.com/xmidt-org/talaria/headunit"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRecord is the persisted part of a device. Connection state and the
// selection flag are runtime only.
//
// PreviouslyAccepted is set the first time the disclaimer is accepted and is
// never cleared, so consent lost to a selection change can be restored.
type DeviceRecord struct {
	ID                 string `gorm:"primaryKey"`
	Name               string
	Transport          string
	AcceptState        string `gorm:"not null;default:native-selected"`
	PreviouslyAccepted bool   `gorm:"not null;default:false"`
	LastSeenAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (DeviceRecord) TableName() string { return "devices" }

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&DeviceRecord{})
}

// Save inserts the record or updates an existing one. previously_accepted
// is only ever raised, never lowered.
func (s *Store) Save(ctx context.Context, rec *DeviceRecord) error {
	columns := []string{"name", "transport", "accept_state", "last_seen_at", "updated_at"}
	if rec.PreviouslyAccepted {
		columns = append(columns, "previously_accepted")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error
}

func (s *Store) Get(ctx context.Context, id headunit.DeviceID) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, headunit.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context) ([]*DeviceRecord, error) {
	var recs []*DeviceRecord
	err := s.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error
	return recs, err
}

func (s *Store) UpdateAcceptState(ctx context.Context, id headunit.DeviceID, state headunit.AcceptState) error {
	updates := map[string]any{"accept_state": state.String()}
	if state == headunit.DisclaimerAccepted {
		updates["previously_accepted"] = true
	}
	result := s.db.WithContext(ctx).Model(&DeviceRecord{}).Where("id = ?", string(id)).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return headunit.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id headunit.DeviceID) error {
	result := s.db.WithContext(ctx).Delete(&DeviceRecord{}, "id = ?", string(id))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return headunit.ErrDeviceNotFound
	}
	return nil
}

// LostConsent returns devices that once accepted the disclaimer but are
// stored as native-selected.
func (s *Store) LostConsent(ctx context.Context) ([]*DeviceRecord, error) {
	var recs []*DeviceRecord
	err := s.db.WithContext(ctx).
		Where("previously_accepted = ? AND accept_state = ?", true, headunit.NativeSelected.String()).
		Order("created_at, id").
		Find(&recs).Error
	return recs, err
}

// RestoreConsent marks every device returned by LostConsent as
// disclaimer-accepted again and reports how many rows changed.
func (s *Store) RestoreConsent(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&DeviceRecord{}).
		Where("previously_accepted = ? AND accept_state = ?", true, headunit.NativeSelected.String()).
		Update("accept_state", headunit.DisclaimerAccepted.String())
	return result.RowsAffected, result.Error
}

func recordFor(d *headunit.Device) *DeviceRecord {
	return &DeviceRecord{
		ID:                 string(d.ID),
		Name:               d.Name,
		Transport:          d.Transport,
		AcceptState:        d.Accept.String(),
		PreviouslyAccepted: d.Accept == headunit.DisclaimerAccepted,
		LastSeenAt:         d.LastSeen,
	}
}

func deviceFor(rec *DeviceRecord) *headunit.Device {
	accept, err := headunit.ParseAcceptState(rec.AcceptState)
	if err != nil {
		accept = headunit.NativeSelected
	}
	return &headunit.Device{
		ID:         headunit.DeviceID(rec.ID),
		Name:       rec.Name,
		Transport:  rec.Transport,
		Connection: headunit.NotAttached,
		Accept:     accept,
		LastSeen:   rec.LastSeenAt,
	}
}
