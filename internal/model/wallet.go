package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the account-holding balance row. Both AccountNumber and
// AlternateAccountNumber resolve to the same wallet.
type Wallet struct {
	ID                     int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                 int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	AccountNumber          string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"account_number"`
	AlternateAccountNumber string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"alternate_account_number"`
	Balance                decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	HeldAmount             decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"held_amount"`
	Currency               string          `gorm:"type:varchar(3);not null" json:"currency"`
	IsActive               bool            `gorm:"not null;default:true" json:"is_active"`
	DailyLimit             decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"daily_limit"`
	Version                int             `gorm:"not null;default:0" json:"version"` // optimistic lock
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// Available is the balance not reserved by holds.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.HeldAmount)
}

// Owns reports whether the identifier is one of this wallet's account numbers.
func (w *Wallet) Owns(accountNumber string) bool {
	return accountNumber != "" &&
		(accountNumber == w.AccountNumber || accountNumber == w.AlternateAccountNumber)
}

type SubAccountKind string

const (
	SubAccountInterest SubAccountKind = "INTEREST"
	SubAccountSavings  SubAccountKind = "SAVINGS"
)

func (k SubAccountKind) Valid() bool {
	return k == SubAccountInterest || k == SubAccountSavings
}

// SubAccount is a secondary balance owned by a wallet holder: the
// interest-bearing sweep target or the spend-and-save pot.
type SubAccount struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64           `gorm:"uniqueIndex:idx_sub_account_user_kind;not null" json:"user_id"`
	Kind      SubAccountKind  `gorm:"type:varchar(16);uniqueIndex:idx_sub_account_user_kind;not null" json:"kind"`
	WalletID  int64           `gorm:"index;not null" json:"wallet_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubAccount) TableName() string {
	return "sub_account"
}

// SavingsPreference holds the per-user cascade switches.
type SavingsPreference struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	AutoSweepEnabled bool            `gorm:"not null;default:false" json:"auto_sweep_enabled"`
	AutoSaveEnabled  bool            `gorm:"not null;default:false" json:"auto_save_enabled"`
	AutoSavePercent  decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"auto_save_percent"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SavingsPreference) TableName() string {
	return "savings_preference"
}

const (
	LoanStatusCreated   = "CREATED"
	LoanStatusDisbursed = "DISBURSED"
)

type LoanAccount struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	LoanNo    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"loan_no"`
	SagaID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"saga_id"`
	UserID    int64           `gorm:"index;not null" json:"user_id"`
	WalletID  int64           `gorm:"not null" json:"wallet_id"`
	Principal decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"principal"`
	Status    string          `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LoanAccount) TableName() string {
	return "loan_account"
}
