package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sessionRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:36;not null"`
	Token     string    `gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

type userRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Address     string `gorm:"uniqueIndex;size:42;not null"`
	IsAdmin     bool
	LastLoginAt time.Time
	CreatedAt   time.Time
}

func (userRecord) TableName() string { return "users" }

type deviceRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:128"`
	KeyHash    string `gorm:"not null"`
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

func (deviceRecord) TableName() string { return "devices" }

type challengeRecord struct {
	ID        string `gorm:"primaryKey"`
	Value     string
	ExpiresAt time.Time `gorm:"index"`
}

func (challengeRecord) TableName() string { return "challenges" }

type revokedTokenRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"index"`
}

func (revokedTokenRecord) TableName() string { return "revoked_tokens" }

// SQLiteStore is a gorm backed implementation of the Store interface
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ports.Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database at path and migrates the schema
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an open gorm handle and migrates the schema
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &userRecord{}, &deviceRecord{}, &challengeRecord{}, &revokedTokenRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// WithClock replaces the time source
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreOperation, op, err)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) (*core.Session, error) {
	now := s.now()
	record := sessionRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, storeErr("create session", err)
	}
	return record.toSession(), nil
}

func (s *SQLiteStore) ReplaceSessionToken(ctx context.Context, oldToken, newToken string, newExpiry time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Where("token = ?", oldToken).
		Updates(map[string]any{
			"token":      newToken,
			"expires_at": newExpiry.UTC(),
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return false, storeErr("replace session", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*core.Session, error) {
	var record sessionRecord
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, storeErr("get session", err)
	}
	return record.toSession(), nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) (bool, error) {
	result := s.db.WithContext(ctx).Where("token = ?", token).Delete(&sessionRecord{})
	if result.Error != nil {
		return false, storeErr("delete session", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLiteStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, storeErr("delete user sessions", result.Error)
	}
	return int(result.RowsAffected), nil
}

// CleanupExpiredSessions also drops expired challenges and revocations.
// Times are stored in UTC so text comparison in SQLite orders correctly.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	result := db.Where("expires_at <= ?", now).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, storeErr("cleanup sessions", result.Error)
	}
	if err := db.Where("expires_at <= ?", now).Delete(&challengeRecord{}).Error; err != nil {
		return int(result.RowsAffected), storeErr("cleanup challenges", err)
	}
	if err := db.Where("expires_at <= ?", now).Delete(&revokedTokenRecord{}).Error; err != nil {
		return int(result.RowsAffected), storeErr("cleanup revocations", err)
	}
	return int(result.RowsAffected), nil
}

func (s *SQLiteStore) GetUserByAddress(ctx context.Context, address string) (*core.User, error) {
	return s.findUser(ctx, "address = ?", address)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) findUser(ctx context.Context, query string, arg string) (*core.User, error) {
	var record userRecord
	if err := s.db.WithContext(ctx).Where(query, arg).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, storeErr("get user", err)
	}
	return &core.User{
		ID:          record.ID,
		Address:     record.Address,
		IsAdmin:     record.IsAdmin,
		LastLoginAt: record.LastLoginAt,
		CreatedAt:   record.CreatedAt,
	}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *core.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(userToRecord(user)).Error; err != nil {
		return storeErr("create user", err)
	}
	return nil
}

func (s *SQLiteStore) SaveUser(ctx context.Context, user *core.User) error {
	result := s.db.WithContext(ctx).
		Model(&userRecord{ID: user.ID}).
		Select("address", "is_admin", "last_login_at").
		Updates(userToRecord(user))
	if result.Error != nil {
		return storeErr("save user", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func userToRecord(user *core.User) *userRecord {
	return &userRecord{
		ID:          user.ID,
		Address:     user.Address,
		IsAdmin:     user.IsAdmin,
		LastLoginAt: user.LastLoginAt,
		CreatedAt:   user.CreatedAt,
	}
}

func (s *SQLiteStore) CreateDevice(ctx context.Context, device *core.Device) error {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = s.now()
	}
	record := deviceRecord{
		ID:         device.ID,
		Name:       device.Name,
		KeyHash:    device.KeyHash,
		CreatedAt:  device.CreatedAt,
		LastSeenAt: device.LastSeenAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return storeErr("create device", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	var record deviceRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, storeErr("get device", err)
	}
	return record.toDevice(), nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*core.Device, error) {
	var records []deviceRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&records).Error; err != nil {
		return nil, storeErr("list devices", err)
	}

	devices := make([]*core.Device, len(records))
	for i := range records {
		devices[i] = records[i].toDevice()
	}
	return devices, nil
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&deviceRecord{}, "id = ?", id)
	if result.Error != nil {
		return false, storeErr("delete device", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&deviceRecord{}).
		Where("id = ?", id).
		Update("last_seen_at", seenAt)
	if result.Error != nil {
		return storeErr("touch device", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Set stores a key with a value and expiration time
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	record := challengeRecord{ID: key, Value: value, ExpiresAt: s.now().Add(ttl).UTC()}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return storeErr("set challenge", err)
	}
	return nil
}

// Take retrieves and removes a value by key
func (s *SQLiteStore) Take(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record challengeRecord
		if err := tx.First(&record, "id = ?", key).Error; err != nil {
			return err
		}
		result := tx.Delete(&challengeRecord{}, "id = ?", key)
		if result.Error != nil {
			return result.Error
		}
		// Lost a race with another Take
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if !record.ExpiresAt.After(s.now()) {
			return gorm.ErrRecordNotFound
		}
		value = record.Value
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", storeErr("take challenge", err)
	}
	return value, nil
}

// InvalidateToken records tokenID as revoked for ttl
func (s *SQLiteStore) InvalidateToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	record := revokedTokenRecord{ID: tokenID, ExpiresAt: s.now().Add(ttl).UTC()}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return storeErr("invalidate token", err)
	}
	return nil
}

// IsTokenInvalidated reports whether tokenID was revoked and the record is still live
func (s *SQLiteStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&revokedTokenRecord{}).
		Where("id = ? AND expires_at > ?", tokenID, s.now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, storeErr("check revocation", err)
	}
	return count > 0, nil
}

// Close releases the underlying connection pool
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *sessionRecord) toSession() *core.Session {
	return &core.Session{
		ID:        r.ID,
		UserID:    r.UserID,
		Token:     r.Token,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r *deviceRecord) toDevice() *core.Device {
	return &core.Device{
		ID:         r.ID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		CreatedAt:  r.CreatedAt,
		LastSeenAt: r.LastSeenAt,
	}
}
