package model

import (
	"fmt"
	"strconv"
)

// ErrorCode is the closed set of machine codes persisted on a failed transfer.
type ErrorCode string

const (
	ErrCodeWalletNotFound         ErrorCode = "WALLET_NOT_FOUND"
	ErrCodeSelfTransferAttempt    ErrorCode = "SELF_TRANSFER_ATTEMPT"
	ErrCodeInsufficientFunds      ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeProcessingError        ErrorCode = "PROCESSING_ERROR"
	ErrCodeValidationError        ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError          ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalServiceError   ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeFraudDetection         ErrorCode = "FRAUD_DETECTION"
	ErrCodeLimitExceeded          ErrorCode = "LIMIT_EXCEEDED"
	ErrCodeKYCRequired            ErrorCode = "KYC_REQUIRED"
	ErrCodeAccountBlocked         ErrorCode = "ACCOUNT_BLOCKED"
	ErrCodeInvalidAccount         ErrorCode = "INVALID_ACCOUNT"
	ErrCodeBankServiceUnavailable ErrorCode = "BANK_SERVICE_UNAVAILABLE"
	ErrCodeTimeoutError           ErrorCode = "TIMEOUT_ERROR"
	ErrCodeDuplicateTransaction   ErrorCode = "DUPLICATE_TRANSACTION"
)

var allErrorCodes = []ErrorCode{
	ErrCodeWalletNotFound, ErrCodeSelfTransferAttempt, ErrCodeInsufficientFunds,
	ErrCodeProcessingError, ErrCodeValidationError, ErrCodeDatabaseError,
	ErrCodeExternalServiceError, ErrCodeFraudDetection, ErrCodeLimitExceeded,
	ErrCodeKYCRequired, ErrCodeAccountBlocked, ErrCodeInvalidAccount,
	ErrCodeBankServiceUnavailable, ErrCodeTimeoutError, ErrCodeDuplicateTransaction,
}

func ErrorCodes() []ErrorCode {
	out := make([]ErrorCode, len(allErrorCodes))
	copy(out, allErrorCodes)
	return out
}

func (c ErrorCode) Valid() bool {
	for _, code := range allErrorCodes {
		if code == c {
			return true
		}
	}
	return false
}

// ParseErrorCode rejects anything outside the closed set.
func ParseErrorCode(s string) (ErrorCode, error) {
	c := ErrorCode(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown error code %q", s)
	}
	return c, nil
}

// Failure is a classified business failure. It travels as an error out of a
// database transaction closure so the caller can roll back and terminalize.
type Failure struct {
	Code    ErrorCode
	Reason  string
	Details Metadata
}

func NewFailure(code ErrorCode, reason string, details Metadata) *Failure {
	if details == nil {
		details = Metadata{}
	}
	return &Failure{Code: code, Reason: reason, Details: details}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
