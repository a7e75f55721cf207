package vault

import (
	"context"
	"math/big"
	"testing"

	"collectionvault/crypto"
)

func recipient(t *testing.T) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = 0x01
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestAccrueYield(t *testing.T) {
	v := NewVault(big.NewInt(1_000_000), big.NewInt(10))
	v.AccrueYield(5)
	if got := v.AvailableYield(); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("available = %s, want 50", got)
	}

	// accrual is idempotent per height
	v.AccrueYield(5)
	v.AccrueYield(3)
	if got := v.AvailableYield(); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("available after no-op accruals = %s, want 50", got)
	}

	v.AccrueYield(7)
	if got := v.AvailableYield(); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("available = %s, want 70", got)
	}
}

func TestFund(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	if err := v.Fund(big.NewInt(500)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := v.Fund(big.NewInt(0)); err == nil {
		t.Fatal("expected error funding zero")
	}
	if err := v.Fund(nil); err == nil {
		t.Fatal("expected error funding nil")
	}
	if got := v.AvailableYield(); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("available = %s, want 500", got)
	}
}

func TestTransferCappedFullPayment(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	if err := v.Fund(big.NewInt(1_000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	to := recipient(t)
	paid, err := v.TransferCapped(context.Background(), big.NewInt(400), to)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if paid.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("paid = %s, want 400", paid)
	}
	if got := v.AvailableYield(); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("available = %s, want 600", got)
	}
	if got := v.BalanceOf(to); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("balance = %s, want 400", got)
	}
}

func TestTransferCappedShortPayment(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	if err := v.Fund(big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	to := recipient(t)
	paid, err := v.TransferCapped(context.Background(), big.NewInt(400), to)
	if err != nil {
		t.Fatalf("short payment must not error: %v", err)
	}
	if paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paid = %s, want 100", paid)
	}
	if got := v.AvailableYield(); got.Sign() != 0 {
		t.Fatalf("available = %s, want 0", got)
	}
}

func TestTransferCappedEmptyVault(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	paid, err := v.TransferCapped(context.Background(), big.NewInt(400), recipient(t))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("paid = %s, want 0", paid)
	}
}

func TestTransferCappedInvalidInput(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	if _, err := v.TransferCapped(context.Background(), big.NewInt(0), recipient(t)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := v.TransferCapped(context.Background(), nil, recipient(t)); err == nil {
		t.Fatal("expected error for nil amount")
	}
	if _, err := v.TransferCapped(context.Background(), big.NewInt(1), crypto.Address{}); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestTransferCappedCancelledContext(t *testing.T) {
	v := NewVault(big.NewInt(0), big.NewInt(0))
	if err := v.Fund(big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.TransferCapped(ctx, big.NewInt(10), recipient(t)); err == nil {
		t.Fatal("expected context error")
	}
	if got := v.AvailableYield(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("cancelled transfer moved funds: available = %s", got)
	}
}

func TestSettersFeedController(t *testing.T) {
	v := NewVault(big.NewInt(100), big.NewInt(1))
	v.SetTotalAssets(big.NewInt(2_000))
	v.SetRewardRate(big.NewInt(5))
	if got := v.TotalAssets(); got.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("assets = %s, want 2000", got)
	}
	if got := v.RewardRatePerPeriod(); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("rate = %s, want 5", got)
	}
}
