package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrLockHeld is returned when another holder owns an unexpired lock.
var ErrLockHeld = errors.New("scheduler lock is held")

// SchedulerLock 调度互斥锁，job_name 唯一，expires_at 到期后可被任意实例接管
type SchedulerLock struct {
	JobName    string    `gorm:"primaryKey;type:varchar(64)" json:"jobName"`
	LockID     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"lockId"`
	AcquiredAt time.Time `gorm:"not null" json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"not null" json:"expiresAt"`
}

func (SchedulerLock) TableName() string {
	return "scheduler_lock"
}

// AcquireLock takes the lock for jobName until now+ttl. An expired row is
// taken over in place; otherwise a fresh row is inserted and the unique key
// on job_name rejects a concurrent holder.
func AcquireLock(ctx context.Context, db *gorm.DB, jobName string, ttl time.Duration, now time.Time) (string, error) {
	now = now.UTC()
	lockID := uuid.NewString()
	expires := now.Add(ttl)

	// 1) 接管已过期的锁（崩溃自愈）
	res := db.WithContext(ctx).Model(&SchedulerLock{}).
		Where("job_name = ? AND expires_at <= ?", jobName, now).
		Updates(map[string]interface{}{
			"lock_id":     lockID,
			"acquired_at": now,
			"expires_at":  expires,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return lockID, nil
	}

	// 2) 无记录则插入；唯一键冲突说明已被他人持有
	lock := SchedulerLock{JobName: jobName, LockID: lockID, AcquiredAt: now, ExpiresAt: expires}
	if err := db.WithContext(ctx).Create(&lock).Error; err != nil {
		var cur SchedulerLock
		if qerr := db.WithContext(ctx).First(&cur, "job_name = ?", jobName).Error; qerr == nil && cur.LockID != lockID {
			return "", ErrLockHeld
		}
		return "", err
	}
	return lockID, nil
}

// ReleaseLock drops the lock if lockID still owns it. A lock that was already
// taken over after expiry is left alone.
func ReleaseLock(ctx context.Context, db *gorm.DB, lockID string) error {
	return db.WithContext(ctx).Where("lock_id = ?", lockID).Delete(&SchedulerLock{}).Error
}

func GetLock(ctx context.Context, db *gorm.DB, jobName string) (*SchedulerLock, error) {
	var l SchedulerLock
	if err := db.WithContext(ctx).First(&l, "job_name = ?", jobName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}
