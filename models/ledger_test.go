package models

import (
	"context"
	"sync"
	"testing"
)

func TestDeductInsufficientFunds(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := Grant(ctx, db, "alice", 3, "seed"); err != nil {
		t.Fatal(err)
	}

	res, err := Deduct(ctx, db, "alice", 7, LedgerContext{Reason: "scene"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != DeductInsufficientFunds || res.Balance != 3 {
		t.Fatalf("result = %+v, want insufficient with balance 3", res)
	}
	txs, err := ListTransactions(ctx, db, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Kind != CreditKindGrant {
		t.Fatalf("transactions = %+v, want only the grant", txs)
	}
}

func TestDeductInvalidAmount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := Grant(ctx, db, "alice", 10, "seed"); err != nil {
		t.Fatal(err)
	}
	for _, amount := range []int64{0, -5} {
		res, err := Deduct(ctx, db, "alice", amount, LedgerContext{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Success || res.Reason != DeductInvalidAmount || res.Balance != 10 {
			t.Errorf("amount %d: result = %+v", amount, res)
		}
	}
}

func TestDeductUnknownOwner(t *testing.T) {
	db := newTestDB(t)
	res, err := Deduct(context.Background(), db, "nobody", 1, LedgerContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != DeductInsufficientFunds || res.Balance != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	const (
		balance = 100
		cost    = 7
		workers = 20
	)
	if _, err := Grant(ctx, db, "alice", balance, "seed"); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := Deduct(ctx, db, "alice", cost, LedgerContext{})
			if err != nil {
				t.Errorf("deduct: %v", err)
				return
			}
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if want := balance / cost; successes != want {
		t.Fatalf("successes = %d, want %d", successes, want)
	}
	if got := mustBalance(t, db, "alice"); got != balance%cost {
		t.Fatalf("balance = %d, want %d", got, balance%cost)
	}
}

func TestRefundRestoresBalanceAndClampsSpend(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p, _ := seedProject(t, db, "p1", "alice", 1, ProjectStatusGenerating)
	if err := db.Model(&Project{}).Where("id = ?", p.ID).Update("spent_credits", 10).Error; err != nil {
		t.Fatal(err)
	}

	if ok := Refund(ctx, db, "alice", 10, LedgerContext{ProjectID: p.ID}); !ok {
		t.Fatal("refund must report success")
	}
	if got := mustBalance(t, db, "alice"); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	if got := mustProject(t, db, p.ID).SpentCredits; got != 0 {
		t.Fatalf("spent = %d, want 0", got)
	}

	Refund(ctx, db, "alice", 5, LedgerContext{ProjectID: p.ID})
	if got := mustProject(t, db, p.ID).SpentCredits; got != 0 {
		t.Fatalf("spent went negative: %d", got)
	}
}

func TestBillSceneChargesOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p, scenes := seedProject(t, db, "p1", "alice", 2, ProjectStatusGenerating)
	if _, err := Grant(ctx, db, "alice", 25, "seed"); err != nil {
		t.Fatal(err)
	}

	req := BillRequest{Scene: &scenes[0], Project: p, Charge: true, Cost: 10}
	res, applied, err := BillScene(ctx, db, req)
	if err != nil {
		t.Fatal(err)
	}
	if !applied || !res.Success || res.Balance != 15 {
		t.Fatalf("bill: applied=%v result=%+v", applied, res)
	}
	s := mustScene(t, db, scenes[0].ID)
	if s.Status != SceneStatusGenerating || s.GenerationReference != "" || s.CreditCost != 10 {
		t.Fatalf("scene after bill = %+v", s)
	}
	if ok, err := RecordGenerationReference(ctx, db, s.ID, "job-1"); err != nil || !ok {
		t.Fatalf("record reference ok=%v err=%v", ok, err)
	}
	if ok, _ := RecordGenerationReference(ctx, db, s.ID, "job-2"); ok {
		t.Fatal("reference must only be recorded once")
	}
	if got := mustScene(t, db, s.ID).GenerationReference; got != "job-1" {
		t.Fatalf("generation_reference = %q, want job-1", got)
	}
	if got := mustProject(t, db, p.ID).SpentCredits; got != 10 {
		t.Fatalf("spent = %d, want 10", got)
	}

	// 场景已离开 pending，重复计费必须整体回滚
	res, applied, err = BillScene(ctx, db, req)
	if err != nil {
		t.Fatal(err)
	}
	if applied || res.Success {
		t.Fatalf("second bill applied=%v result=%+v", applied, res)
	}
	if got := mustBalance(t, db, "alice"); got != 15 {
		t.Fatalf("balance = %d, want 15", got)
	}
}

func TestBillSceneRetryDoesNotCharge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p, scenes := seedProject(t, db, "p1", "alice", 1, ProjectStatusGenerating)
	if _, err := Grant(ctx, db, "alice", 10, "seed"); err != nil {
		t.Fatal(err)
	}
	setSceneStatus(t, db, scenes[0].ID, SceneStatusPending, map[string]interface{}{"retry_count": 1, "credit_cost": 10})

	_, applied, err := BillScene(ctx, db, BillRequest{Scene: &scenes[0], Project: p, Charge: false, Cost: 10})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if got := mustBalance(t, db, "alice"); got != 10 {
		t.Fatalf("retry was charged: balance %d", got)
	}
	if s := mustScene(t, db, scenes[0].ID); s.CreditCost != 10 {
		t.Fatalf("credit_cost changed to %d", s.CreditCost)
	}
}

func TestBillSceneInsufficientFundsWritesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p, scenes := seedProject(t, db, "p1", "alice", 1, ProjectStatusGenerating)
	if _, err := Grant(ctx, db, "alice", 3, "seed"); err != nil {
		t.Fatal(err)
	}

	res, applied, err := BillScene(ctx, db, BillRequest{Scene: &scenes[0], Project: p, Charge: true, Cost: 7})
	if err != nil {
		t.Fatal(err)
	}
	if applied || res.Reason != DeductInsufficientFunds || res.Balance != 3 {
		t.Fatalf("applied=%v result=%+v", applied, res)
	}
	s := mustScene(t, db, scenes[0].ID)
	if s.Status != SceneStatusPending || s.CreditCost != 0 || s.GenerationReference != "" {
		t.Fatalf("scene changed: %+v", s)
	}
}

func TestBillSceneRespectsPausedProject(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p, scenes := seedProject(t, db, "p1", "alice", 1, ProjectStatusPaused)
	if _, err := Grant(ctx, db, "alice", 50, "seed"); err != nil {
		t.Fatal(err)
	}

	_, applied, err := BillScene(ctx, db, BillRequest{Scene: &scenes[0], Project: p, Charge: true, Cost: 10})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("bill must not apply to a paused project")
	}
	if got := mustBalance(t, db, "alice"); got != 50 {
		t.Fatalf("balance = %d, want 50", got)
	}
	if s := mustScene(t, db, scenes[0].ID); s.Status != SceneStatusPending {
		t.Fatalf("scene status = %s", s.Status)
	}
}
