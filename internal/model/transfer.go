package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a TransferRequest.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusSuccess   TransferStatus = "SUCCESS"
	TransferStatusFailed    TransferStatus = "FAILED"
	TransferStatusCancelled TransferStatus = "CANCELLED"
	TransferStatusReversed  TransferStatus = "REVERSED"
)

func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusPending, TransferStatusSuccess, TransferStatusFailed,
		TransferStatusCancelled, TransferStatusReversed:
		return true
	}
	return false
}

// Terminal reports whether the processor must refuse to pick the transfer up
// from its normal entry point.
func (s TransferStatus) Terminal() bool {
	return s != TransferStatusPending
}

// FAILED -> SUCCESS/FAILED is only taken by the retry path.
var ValidTransferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusPending: {TransferStatusSuccess, TransferStatusFailed, TransferStatusCancelled},
	TransferStatusFailed:  {TransferStatusSuccess, TransferStatusFailed},
	TransferStatusSuccess: {TransferStatusReversed},
}

func CanTransition(from, to TransferStatus) bool {
	allowed, ok := ValidTransferTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Guard verification metadata keys and values.
const (
	NightGuardStatusKey    = "night_guard_status"
	LargeTxShieldStatusKey = "large_tx_shield_status"
	LocationGuardStatusKey = "location_guard_status"

	GuardStatusPending = "PENDING"
	GuardStatusPassed  = "PASSED"
	GuardStatusFailed  = "FAILED"
)

// Other well-known transfer metadata keys.
const (
	MetaLocation      = "location"
	MetaFundingSource = "funding_source"
	MetaFundedVia     = "funded_via"

	FundingSourceInterest = "INTEREST"
)

const (
	ChannelMobile = "MOBILE"
	ChannelWeb    = "WEB"
	ChannelUSSD   = "USSD"
	ChannelAPI    = "API"
)

// TransferRequest is a requested movement of funds, created by the intake
// layer in PENDING and terminalized by the processor.
type TransferRequest struct {
	ID                       int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TransferNo               string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transfer_no"`
	UserID                   int64           `gorm:"index;not null" json:"user_id"`
	SourceAccountNumber      string          `gorm:"type:varchar(32)" json:"source_account_number"`
	DestinationAccountNumber string          `gorm:"type:varchar(32);not null" json:"destination_account_number"`
	DestinationBank          string          `gorm:"type:varchar(64)" json:"destination_bank,omitempty"`
	DestinationName          string          `gorm:"type:varchar(128)" json:"destination_name,omitempty"`
	Amount                   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency                 string          `gorm:"type:varchar(3);not null" json:"currency"`
	Channel                  string          `gorm:"type:varchar(16)" json:"channel"`
	Description              string          `gorm:"type:varchar(256)" json:"description"`
	IdempotencyKey           string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	Status                   TransferStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	FailureReason            *string         `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	ErrorCode                *ErrorCode      `gorm:"type:varchar(40)" json:"error_code,omitempty"`
	TechnicalDetails         Metadata        `json:"-"`
	Metadata                 Metadata        `json:"metadata"`
	RetryCount               int             `gorm:"not null;default:0" json:"retry_count"`
	MaxRetriesReached        bool            `gorm:"not null;default:false" json:"max_retries_reached"`
	CreatedAt                time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt                time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
	CompletedAt              *time.Time      `json:"completed_at,omitempty"`
}

func (TransferRequest) TableName() string {
	return "transfer_request"
}

// GuardStatus returns the recorded verification status for a guard key, or "".
func (t *TransferRequest) GuardStatus(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// CoreFields is the audit snapshot attached to technical failure details.
func (t *TransferRequest) CoreFields() Metadata {
	return Metadata{
		"transfer_id":         formatInt(t.ID),
		"transfer_no":         t.TransferNo,
		"user_id":             formatInt(t.UserID),
		"destination_account": t.DestinationAccountNumber,
		"amount":              t.Amount.StringFixed(2),
		"currency":            t.Currency,
		"channel":             t.Channel,
		"idempotency_key":     t.IdempotencyKey,
	}
}
