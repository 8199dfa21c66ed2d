package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

type Category string

const (
	CategoryTransfer         Category = "TRANSFER"
	CategoryExternalTransfer Category = "EXTERNAL_TRANSFER"
	CategoryAutoSave         Category = "AUTO_SAVE"
	CategoryAutoSweep        Category = "AUTO_SWEEP"
	CategoryPrefund          Category = "PREFUND"
	CategoryWithdrawal       Category = "WITHDRAWAL"
	CategorySaga             Category = "SAGA"
	CategoryDisbursement     Category = "DISBURSEMENT"
)

const TransactionStatusSuccess = "SUCCESS"

// Ledger names the balance a recorded movement touched.
type Ledger string

const (
	LedgerWallet     Ledger = "WALLET"
	LedgerSubAccount Ledger = "SUB_ACCOUNT"
)

// TransactionRecord is an append-only wallet ledger entry.
//
// Amount and BalanceAfter are never edited after insert; only Metadata may be
// appended. The (reference, wallet_id, direction) index is what makes a
// mutation apply at most once.
type TransactionRecord struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	WalletID      int64           `gorm:"uniqueIndex:idx_txn_ref_wallet_dir;index;not null" json:"wallet_id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	Direction     Direction       `gorm:"type:varchar(8);uniqueIndex:idx_txn_ref_wallet_dir;not null" json:"direction"`
	Category      Category        `gorm:"type:varchar(24);not null" json:"category"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(3);not null" json:"currency"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	Reference     string          `gorm:"type:varchar(96);uniqueIndex:idx_txn_ref_wallet_dir;not null" json:"reference"`
	TransferID    *int64          `gorm:"index" json:"transfer_id,omitempty"`
	Status        string          `gorm:"type:varchar(16);not null" json:"status"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TransactionRecord) TableName() string {
	return "transaction_record"
}

// Spend event shape, shared with SubAccountTransaction.

func (r *TransactionRecord) SpendAmount() decimal.Decimal { return r.Amount }
func (r *TransactionRecord) SpendDirection() Direction { return r.Direction }
func (r *TransactionRecord) SpendOwner() int64 { return r.UserID }
func (r *TransactionRecord) SpendReference() string { return r.TransactionNo }
func (r *TransactionRecord) SpendCurrency() string { return r.Currency }

// SubAccountTransaction is the ledger of a SubAccount.
type SubAccountTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	SubAccountID  int64           `gorm:"uniqueIndex:idx_subtxn_ref_acct_dir;not null" json:"sub_account_id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	Kind          SubAccountKind  `gorm:"type:varchar(16);not null" json:"kind"`
	Direction     Direction       `gorm:"type:varchar(8);uniqueIndex:idx_subtxn_ref_acct_dir;not null" json:"direction"`
	Category      Category        `gorm:"type:varchar(24);not null" json:"category"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(3);not null" json:"currency"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Reference     string          `gorm:"type:varchar(96);uniqueIndex:idx_subtxn_ref_acct_dir;not null" json:"reference"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (SubAccountTransaction) TableName() string {
	return "sub_account_transaction"
}

func (t *SubAccountTransaction) SpendAmount() decimal.Decimal { return t.Amount }
func (t *SubAccountTransaction) SpendDirection() Direction { return t.Direction }
func (t *SubAccountTransaction) SpendOwner() int64 { return t.UserID }
func (t *SubAccountTransaction) SpendReference() string { return t.TransactionNo }
func (t *SubAccountTransaction) SpendCurrency() string { return t.Currency }
