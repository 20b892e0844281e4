package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserCredit 用户余额。只能通过 Deduct / Refund / Grant 原子操作修改，禁止直接写 balance。
type UserCredit struct {
	OwnerID   string    `gorm:"primaryKey;type:varchar(64)" json:"ownerId"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (UserCredit) TableName() string {
	return "user_credit"
}

const (
	CreditKindDeduct = "deduct"
	CreditKindRefund = "refund"
	CreditKindGrant  = "grant"
)

// CreditTransaction is the append-only audit trail of every ledger mutation.
type CreditTransaction struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID      string    `gorm:"type:varchar(64);index;not null" json:"ownerId"`
	ProjectID    string    `gorm:"type:varchar(64);index" json:"projectId,omitempty"`
	SceneID      string    `gorm:"type:varchar(64);index" json:"sceneId,omitempty"`
	Kind         string    `gorm:"type:varchar(16);not null" json:"kind"`
	Amount       int64     `gorm:"not null" json:"amount"`
	BalanceAfter int64     `gorm:"not null" json:"balanceAfter"`
	Reason       string    `gorm:"type:text" json:"reason"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}

// DeductReason explains an unsuccessful deduction.
type DeductReason string

const (
	DeductOK                DeductReason = ""
	DeductInvalidAmount     DeductReason = "invalid_amount"
	DeductInsufficientFunds DeductReason = "insufficient_funds"
)

// DeductResult is returned for every deduction attempt; ledger refusals are
// values, not errors.
type DeductResult struct {
	Success bool         `json:"success"`
	Balance int64        `json:"newBalance"`
	Reason  DeductReason `json:"reason,omitempty"`
}

// LedgerContext attributes a ledger mutation to a project / scene.
type LedgerContext struct {
	ProjectID string
	SceneID   string
	Reason    string
}

// Deduct 原子扣费：条件 UPDATE 保证并发下不超扣、不丢更新
func Deduct(ctx context.Context, db *gorm.DB, owner string, amount int64, lc LedgerContext) (DeductResult, error) {
	var out DeductResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = deductTx(tx, owner, amount, lc)
		return err
	})
	return out, err
}

func deductTx(tx *gorm.DB, owner string, amount int64, lc LedgerContext) (DeductResult, error) {
	if amount <= 0 {
		bal, err := balanceTx(tx, owner)
		return DeductResult{Success: false, Balance: bal, Reason: DeductInvalidAmount}, err
	}
	now := time.Now().UTC()
	res := tx.Model(&UserCredit{}).
		Where("owner_id = ? AND balance >= ?", owner, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": now,
		})
	if res.Error != nil {
		return DeductResult{}, res.Error
	}
	bal, err := balanceTx(tx, owner)
	if err != nil {
		return DeductResult{}, err
	}
	if res.RowsAffected == 0 {
		return DeductResult{Success: false, Balance: bal, Reason: DeductInsufficientFunds}, nil
	}
	if err := writeTransaction(tx, owner, CreditKindDeduct, amount, bal, lc, now); err != nil {
		return DeductResult{}, err
	}
	return DeductResult{Success: true, Balance: bal}, nil
}

// BillRequest describes a pending -> generating transition.
type BillRequest struct {
	Scene   *Scene
	Project *Project
	// Charge is false on retries: the guard allows exactly one deduction per scene.
	Charge bool
	Cost   int64
}

// BillScene is deduct-and-bill: the deduction, the immutable credit_cost, the
// project spend and the scene's move to generating commit together or not at
// all. When funds are insufficient nothing is written and the result says so.
// applied is false when the scene was no longer pending.
//
// It runs before the job is submitted; the reference is recorded afterwards
// with RecordGenerationReference.
func BillScene(ctx context.Context, db *gorm.DB, req BillRequest) (result DeductResult, applied bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		sceneUpdates := map[string]interface{}{
			"status":               SceneStatusGenerating,
			"generation_reference": "",
			"error_message":        "",
			"updated_at":           now,
		}
		if req.Charge {
			result, err = deductTx(tx, req.Project.OwnerID, req.Cost, LedgerContext{
				ProjectID: req.Project.ID,
				SceneID:   req.Scene.ID,
				Reason:    fmt.Sprintf("scene %d generation", req.Scene.SceneNumber),
			})
			if err != nil {
				return err
			}
			if !result.Success {
				return errRollback
			}
			// credit_cost 只在首次计费时写入，之后不可变
			sceneUpdates["credit_cost"] = gorm.Expr("CASE WHEN credit_cost = 0 THEN ? ELSE credit_cost END", req.Cost)
		} else {
			result = DeductResult{Success: true}
		}

		res := tx.Model(&Scene{}).
			Where("id = ? AND status = ?", req.Scene.ID, SceneStatusPending).
			Updates(sceneUpdates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRollback
		}
		// 用户可能在本轮中途暂停或取消项目
		projectUpdates := map[string]interface{}{"updated_at": now}
		if req.Charge {
			projectUpdates["spent_credits"] = gorm.Expr("spent_credits + ?", req.Cost)
		}
		pres := tx.Model(&Project{}).
			Where("id = ? AND status = ?", req.Project.ID, ProjectStatusGenerating).
			Updates(projectUpdates)
		if pres.Error != nil {
			return pres.Error
		}
		if pres.RowsAffected == 0 {
			return errRollback
		}
		applied = true
		return nil
	})
	if errors.Is(err, errRollback) {
		err = nil
	}
	if !applied && result.Success && req.Charge {
		// 场景已被其他操作改变，扣费随事务回滚
		result = DeductResult{Success: false, Balance: result.Balance}
	}
	return result, applied, err
}

var errRollback = errors.New("rollback")

// Refund 管理员级退款，仅由编排器失败路径调用，不对外暴露。
// 总是报告成功；存储错误只记录日志。spent_credits 同步回退且不低于 0。
func Refund(ctx context.Context, db *gorm.DB, owner string, amount int64, lc LedgerContext) bool {
	if amount <= 0 {
		return true
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return refundTx(tx, owner, amount, lc)
	})
	if err != nil {
		log.Printf("[Ledger] 退款写入失败 owner=%s amount=%d: %v", owner, amount, err)
	}
	return true
}

func refundTx(tx *gorm.DB, owner string, amount int64, lc LedgerContext) error {
	now := time.Now().UTC()
	if err := upsertCreditTx(tx, owner, amount, now); err != nil {
		return err
	}
	if lc.ProjectID != "" {
		if err := tx.Model(&Project{}).Where("id = ?", lc.ProjectID).
			Update("spent_credits", gorm.Expr("CASE WHEN spent_credits > ? THEN spent_credits - ? ELSE 0 END", amount, amount)).Error; err != nil {
			return err
		}
	}
	bal, err := balanceTx(tx, owner)
	if err != nil {
		return err
	}
	return writeTransaction(tx, owner, CreditKindRefund, amount, bal, lc, now)
}

// Grant tops up a balance (admin surface). It creates the balance row on first use.
func Grant(ctx context.Context, db *gorm.DB, owner string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	var bal int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := upsertCreditTx(tx, owner, amount, now); err != nil {
			return err
		}
		var err error
		if bal, err = balanceTx(tx, owner); err != nil {
			return err
		}
		return writeTransaction(tx, owner, CreditKindGrant, amount, bal, LedgerContext{Reason: reason}, now)
	})
	return bal, err
}

// Balance returns the owner's balance; a missing row reads as 0.
func Balance(ctx context.Context, db *gorm.DB, owner string) (int64, error) {
	return balanceTx(db.WithContext(ctx), owner)
}

// ListTransactions returns the audit rows for an owner, newest first.
func ListTransactions(ctx context.Context, db *gorm.DB, owner string, limit int) ([]CreditTransaction, error) {
	var txs []CreditTransaction
	err := db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func upsertCreditTx(tx *gorm.DB, owner string, amount int64, now time.Time) error {
	res := tx.Model(&UserCredit{}).Where("owner_id = ?", owner).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return tx.Create(&UserCredit{OwnerID: owner, Balance: amount, UpdatedAt: now}).Error
}

func balanceTx(tx *gorm.DB, owner string) (int64, error) {
	var uc UserCredit
	err := tx.Where("owner_id = ?", owner).Limit(1).Find(&uc).Error
	return uc.Balance, err
}

func writeTransaction(tx *gorm.DB, owner, kind string, amount, balanceAfter int64, lc LedgerContext, now time.Time) error {
	return tx.Create(&CreditTransaction{
		ID:           uuid.NewString(),
		OwnerID:      owner,
		ProjectID:    lc.ProjectID,
		SceneID:      lc.SceneID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       lc.Reason,
		CreatedAt:    now,
	}).Error
}
