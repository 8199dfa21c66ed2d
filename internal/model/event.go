package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventTypeTransferCompleted = "TRANSFER_COMPLETED"
	EventTypeTransferFailed    = "TRANSFER_FAILED"
)

// TransferCompletedEvent announces a finalized transfer, successful or not.
type TransferCompletedEvent struct {
	TransferID            int64           `json:"transferId"`
	AccountNumber         string          `json:"accountNumber"`
	ReceiverAccountNumber string          `json:"receiverAccountNumber"`
	Amount                decimal.Decimal `json:"amount"`
	Type                  string          `json:"type"`
	Channel               string          `json:"channel"`
	Status                TransferStatus  `json:"status"`
	Currency              string          `json:"currency"`
	Timestamp             time.Time       `json:"timestamp"`
	EventType             string          `json:"eventType"`
	EventTimestamp        time.Time       `json:"eventTimestamp"`
}

// TransferCommand asks a consumer to (re)process one transfer.
type TransferCommand struct {
	TransferID int64     `json:"transferId"`
	Retry      bool      `json:"retry"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// TransactionRecordedEvent is the cascade trigger. It is emitted from the
// committing transaction, so consumers only ever see durable records.
type TransactionRecordedEvent struct {
	Ledger         Ledger          `json:"ledger"`
	SubAccountKind SubAccountKind  `json:"subAccountKind,omitempty"`
	RecordID       int64           `json:"recordId"`
	TransactionNo  string          `json:"transactionNo"`
	UserID         int64           `json:"userId"`
	WalletID       int64           `json:"walletId"`
	Direction      Direction       `json:"direction"`
	Category       Category        `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reference      string          `json:"reference"`
	Status         string          `json:"status"`
	// Redelivery counts how often the cascade put this event back after a
	// transient effect failure.
	Redelivery int `json:"redelivery,omitempty"`
}

type SagaStepEvent struct {
	SagaID   string          `json:"sagaId"`
	SagaType SagaType        `json:"sagaType"`
	Step     SagaStep        `json:"step"`
	Payload  json.RawMessage `json:"payload"`
	Status   SagaStatus      `json:"status"`
}

// SettlementInstruction hands an externally bound debit to the payment gateway.
type SettlementInstruction struct {
	TransferID      int64           `json:"transferId"`
	TransactionNo   string          `json:"transactionNo"`
	SourceAccount   string          `json:"sourceAccount"`
	DestinationBank string          `json:"destinationBank"`
	DestinationAcct string          `json:"destinationAccount"`
	DestinationName string          `json:"destinationName"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference"`
}

type NotificationEvent struct {
	UserID  int64     `json:"userId"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Channel string    `json:"channel"`
	SentAt  time.Time `json:"sentAt"`
}
