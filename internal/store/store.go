package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mahmoudfa97/apexcam-platforms/internal/model"
)

// Store persists devices, telemetry, alarms, media and commands in PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the gateway tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Device{},
		&model.Telemetry{},
		&model.Alarm{},
		&model.MediaFile{},
		&model.MediaSession{},
		&model.DeviceCommand{},
	)
}

// New creates a store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

// UpsertDevice inserts the device or, when its serial exists, marks it online
// and refreshes registration data. Empty imei/plate/firmware keep stored values.
// d.ID is set from the stored row.
func (s *Store) UpsertDevice(ctx context.Context, d *model.Device) error {
	now := time.Now()
	d.Status = model.DeviceOnline
	d.LastSeenAt = &now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_serial"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":            model.DeviceOnline,
			"last_seen_at":      now,
			"updated_at":        now,
			"registration_data": d.RegistrationData,
			"protocol_version":  d.ProtocolVersion,
			"firmware_version":  gorm.Expr("COALESCE(?, devices.firmware_version)", d.FirmwareVersion),
			"imei":              gorm.Expr("COALESCE(?, devices.imei)", d.IMEI),
			"license_plate":     gorm.Expr("COALESCE(?, devices.license_plate)", d.LicensePlate),
		}),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceSerial, err)
	}
	return nil
}

// FindDevice returns the device with the given serial or model.ErrNotFound.
func (s *Store) FindDevice(ctx context.Context, serial string) (*model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).Where("device_serial = ?", serial).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListDevices returns devices ordered by serial.
func (s *Store) ListDevices(ctx context.Context, limit int) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Order("device_serial").Limit(limit).Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// TouchDevice refreshes the liveness timestamp.
func (s *Store) TouchDevice(ctx context.Context, serial string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_serial = ?", serial).
		Update("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("touch device %s: %w", serial, err)
	}
	return nil
}

// SetDeviceStatus records the connection state of a device.
func (s *Store) SetDeviceStatus(ctx context.Context, serial string, status model.DeviceStatus) error {
	err := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_serial = ?", serial).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set device %s %s: %w", serial, status, err)
	}
	return nil
}

// InsertTelemetry appends one telemetry sample.
func (s *Store) InsertTelemetry(ctx context.Context, t *model.Telemetry) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("insert telemetry for device %d: %w", t.DeviceID, err)
	}
	return nil
}

// InsertAlarm appends an alarm row.
func (s *Store) InsertAlarm(ctx context.Context, a *model.Alarm) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("insert alarm %s: %w", a.AlarmUID, err)
	}
	return nil
}

// EndAlarm stamps ended_at on every alarm with the uid and returns the
// number of rows changed. No match is not an error.
func (s *Store) EndAlarm(ctx context.Context, uid string, endedAt time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Alarm{}).
		Where("alarm_uid = ?", uid).
		Update("ended_at", endedAt)
	if res.Error != nil {
		return 0, fmt.Errorf("end alarm %s: %w", uid, res.Error)
	}
	return res.RowsAffected, nil
}

// FindAlarm returns the newest alarm of a device with the uid or model.ErrNotFound.
func (s *Store) FindAlarm(ctx context.Context, deviceID uint, uid string) (*model.Alarm, error) {
	var a model.Alarm
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND alarm_uid = ?", deviceID, uid).
		Order("id DESC").
		Take(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// InsertMediaFile records a media file placeholder.
func (s *Store) InsertMediaFile(ctx context.Context, f *model.MediaFile) error {
	if err := s.db.WithContext(ctx).Create(f).Error; err != nil {
		return fmt.Errorf("insert media file %s: %w", f.FilePath, err)
	}
	return nil
}

// InsertCommand records a downlink command.
func (s *Store) InsertCommand(ctx context.Context, c *model.DeviceCommand) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("insert command %s: %w", c.CommandType, err)
	}
	return nil
}

// AckCommand marks the newest sent, unacknowledged command of cmdType for the
// device with status. It returns the number of rows changed (0 or 1).
func (s *Store) AckCommand(ctx context.Context, deviceID uint, cmdType string, status model.CommandStatus, response model.JSONMap) (int64, error) {
	db := s.db.WithContext(ctx)
	newest := db.Model(&model.DeviceCommand{}).
		Select("id").
		Where("device_id = ? AND command_type = ? AND sent_at IS NOT NULL AND acknowledged_at IS NULL", deviceID, cmdType).
		Order("created_at DESC").
		Limit(1)
	res := db.Model(&model.DeviceCommand{}).
		Where("id = (?)", newest).
		Updates(map[string]interface{}{
			"status":          status,
			"acknowledged_at": time.Now(),
			"response_data":   response,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("ack command %s for device %d: %w", cmdType, deviceID, res.Error)
	}
	return res.RowsAffected, nil
}

// InsertMediaSession records the start of a live media session.
func (s *Store) InsertMediaSession(ctx context.Context, m *model.MediaSession) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("insert media session %s: %w", m.SessionID, err)
	}
	return nil
}

// EndMediaSession stamps ended_at on the open rows of a session.
func (s *Store) EndMediaSession(ctx context.Context, sessionID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.MediaSession{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Update("ended_at", at).Error
	if err != nil {
		return fmt.Errorf("end media session %s: %w", sessionID, err)
	}
	return nil
}
