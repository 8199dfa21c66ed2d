package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"xypay/internal/event"
	"xypay/internal/model"
	"xypay/internal/repository"
	"xypay/pkg/idgen"
)

type RecordOptions struct {
	Category  model.Category
	Reference string
	Metadata  model.Metadata
}

// Recorder writes ledger entries after the balance mutation they describe,
// inside the same transaction, and enqueues a transaction.recorded event for
// each one.
type Recorder struct {
	transactions *repository.TransactionRepository
	subAccounts  *repository.SubAccountRepository
	emitter      event.Emitter
	topics       event.Topics
}

func NewRecorder(transactions *repository.TransactionRepository, subAccounts *repository.SubAccountRepository, emitter event.Emitter, topics event.Topics) *Recorder {
	return &Recorder{
		transactions: transactions,
		subAccounts:  subAccounts,
		emitter:      emitter,
		topics:       topics,
	}
}

// Record writes one wallet TransactionRecord. wallet must already carry the
// post-mutation balance. transfer may be nil for movements not driven by a
// TransferRequest; the reference then has to be set in opts.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, amount decimal.Decimal, direction model.Direction, transfer *model.TransferRequest, description string, opts RecordOptions) (*model.TransactionRecord, error) {
	record := &model.TransactionRecord{
		TransactionNo: idgen.GenerateTransactionNo(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Direction:     direction,
		Category:      opts.Category,
		Amount:        amount,
		Currency:      wallet.Currency,
		BalanceAfter:  wallet.Balance,
		Description:   description,
		Reference:     opts.Reference,
		Status:        model.TransactionStatusSuccess,
		Metadata:      opts.Metadata.Clone(),
	}
	if transfer != nil {
		id := transfer.ID
		record.TransferID = &id
		if record.Reference == "" {
			record.Reference = transfer.TransferNo
		}
	}
	if record.Reference == "" {
		return nil, fmt.Errorf("record %s on wallet %d: empty reference", direction, wallet.ID)
	}

	if err := r.transactions.Create(ctx, tx, record); err != nil {
		return nil, err
	}

	evt := model.TransactionRecordedEvent{
		Ledger:        model.LedgerWallet,
		RecordID:      record.ID,
		TransactionNo: record.TransactionNo,
		UserID:        record.UserID,
		WalletID:      record.WalletID,
		Direction:     record.Direction,
		Category:      record.Category,
		Amount:        record.Amount,
		Currency:      record.Currency,
		Reference:     record.Reference,
		Status:        record.Status,
	}
	if err := r.emitter.Emit(ctx, tx, r.topics.TransactionRecorded, ownerKey(record.UserID), evt); err != nil {
		return nil, err
	}
	return record, nil
}

// RecordSubAccount writes one SubAccountTransaction for a sub-account that
// already carries its post-mutation balance.
func (r *Recorder) RecordSubAccount(ctx context.Context, tx *gorm.DB, account *model.SubAccount, amount decimal.Decimal, direction model.Direction, currency, description string, opts RecordOptions) (*model.SubAccountTransaction, error) {
	txn := &model.SubAccountTransaction{
		TransactionNo: idgen.GenerateSubAccountTransactionNo(),
		SubAccountID:  account.ID,
		UserID:        account.UserID,
		Kind:          account.Kind,
		Direction:     direction,
		Category:      opts.Category,
		Amount:        amount,
		Currency:      currency,
		BalanceAfter:  account.Balance,
		Reference:     opts.Reference,
		Description:   description,
	}
	if err := r.subAccounts.CreateTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	evt := model.TransactionRecordedEvent{
		Ledger:         model.LedgerSubAccount,
		SubAccountKind: account.Kind,
		RecordID:       txn.ID,
		TransactionNo:  txn.TransactionNo,
		UserID:         txn.UserID,
		WalletID:       account.WalletID,
		Direction:      txn.Direction,
		Category:       txn.Category,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Reference:      txn.Reference,
		Status:         model.TransactionStatusSuccess,
	}
	if err := r.emitter.Emit(ctx, tx, r.topics.TransactionRecorded, ownerKey(txn.UserID), evt); err != nil {
		return nil, err
	}
	return txn, nil
}

// ownerKey partitions ledger events by user so one owner's cascades apply in
// order.
func ownerKey(userID int64) string {
	return "user-" + strconv.FormatInt(userID, 10)
}
