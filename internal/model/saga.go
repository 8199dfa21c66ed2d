package model

import "time"

type SagaType string

const (
	SagaAccountTransfer  SagaType = "ACCOUNT_TRANSFER"
	SagaLoanDisbursement SagaType = "LOAN_DISBURSEMENT"
)

type SagaStep string

const (
	StepStart             SagaStep = "START"
	StepDebitSource       SagaStep = "DEBIT_SOURCE"
	StepCreditDestination SagaStep = "CREDIT_DESTINATION"
	StepCreateLoanAccount SagaStep = "CREATE_LOAN_ACCOUNT"
	StepDisburseFunds     SagaStep = "DISBURSE_FUNDS"
	StepComplete          SagaStep = "COMPLETE"
)

type SagaStatus string

const (
	SagaStatusInProgress SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted  SagaStatus = "COMPLETED"
	SagaStatusFailed     SagaStatus = "FAILED"
)

func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusFailed
}

// SagaStepLog is updated in place as a saga instance advances.
type SagaStepLog struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SagaID      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"saga_id"`
	SagaType    SagaType   `gorm:"type:varchar(32);index;not null" json:"saga_type"`
	CurrentStep SagaStep   `gorm:"type:varchar(32);not null" json:"current_step"`
	Payload     string     `gorm:"type:text;not null" json:"payload"`
	Status      SagaStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	LastError   string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SagaStepLog) TableName() string {
	return "saga_step_log"
}
