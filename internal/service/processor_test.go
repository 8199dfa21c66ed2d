package service

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xypay/internal/guard"
	"xypay/internal/model"
)

func TestProcessor_InternalTransferSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{
		UserID:                   1,
		SourceAccountNumber:      "0123456789",
		DestinationAccountNumber: "0987654321",
		Amount:                   dec("250.00"),
	})

	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorCode)
	assert.Equal(t, "750.00", f.balance(t, sender.ID))
	assert.Equal(t, "250.00", f.balance(t, receiver.ID))

	records, err := f.transactions.ListByTransferID(ctx, nil, tr.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.DirectionDebit, records[0].Direction)
	assert.Equal(t, "750.00", records[0].BalanceAfter.StringFixed(2))
	assert.Equal(t, model.DirectionCredit, records[1].Direction)
	assert.Equal(t, "250.00", records[1].BalanceAfter.StringFixed(2))
	assert.Equal(t, tr.TransferNo, records[0].Reference)

	assert.Equal(t, 2, f.topicCount(t, f.topics.TransactionRecorded))
	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferCompleted))
	assert.Contains(t, f.notifier.titles, "Transfer successful")
}

func TestProcessor_RedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("100")})

	require.NoError(t, f.processor.Process(ctx, tr.ID))
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	assert.Equal(t, "900.00", f.balance(t, sender.ID))
	records, err := f.transactions.ListByReference(ctx, nil, tr.TransferNo)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferCompleted))
}

func TestProcessor_AlternateAccountIsSelfTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "8012345678", Amount: dec("10")})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeSelfTransferAttempt, *got.ErrorCode)
	assert.Equal(t, "1000.00", f.balance(t, sender.ID))
	assert.Equal(t, 0, f.topicCount(t, f.topics.TransactionRecorded))
}

func TestProcessor_InsufficientFundsCarriesShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "100.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("150.00")})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeInsufficientFunds, *got.ErrorCode)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "Insufficient balance", *got.FailureReason)
	assert.Equal(t, "50.00", got.TechnicalDetails["shortfall"])
	assert.Equal(t, "100.00", got.TechnicalDetails["available_balance"])
	assert.Equal(t, "150.00", got.TechnicalDetails["required_amount"])

	assert.Equal(t, "100.00", f.balance(t, sender.ID))
	assert.Equal(t, "0.00", f.balance(t, receiver.ID))
	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferCompleted))
	assert.Contains(t, f.notifier.titles, "Transfer failed")
}

func TestProcessor_MissingSenderWallet(t *testing.T) {
	f := newFixture(t)
	f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 99, DestinationAccountNumber: "0987654321", Amount: dec("1")})
	require.NoError(t, f.processor.Process(context.Background(), tr.ID))

	got := f.reload(t, tr.ID)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeWalletNotFound, *got.ErrorCode)
}

func TestProcessor_InactiveSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	f.createWallet(t, 2, "0987654321", "8098765432", "0")
	require.NoError(t, f.wallets.SetActive(ctx, nil, sender.ID, false))

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("1")})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeAccountBlocked, *got.ErrorCode)
}

func TestProcessor_UnknownDestinationWithoutBank(t *testing.T) {
	f := newFixture(t)
	f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "5555555555", Amount: dec("1")})
	require.NoError(t, f.processor.Process(context.Background(), tr.ID))

	got := f.reload(t, tr.ID)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeInvalidAccount, *got.ErrorCode)
}

func TestProcessor_GuardHoldsWithoutMutation(t *testing.T) {
	f := newFixture(t, guard.NewLargeTransactionShield(decimal.NewFromInt(500)))
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("600")})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusPending, got.Status)
	assert.Equal(t, model.GuardStatusPending, got.Metadata[model.LargeTxShieldStatusKey])
	assert.Equal(t, "1000.00", f.balance(t, sender.ID))
	assert.Equal(t, 0, f.topicCount(t, f.topics.TransactionRecorded))

	// a second delivery keeps the recorded status
	require.NoError(t, f.processor.Process(ctx, tr.ID))
	assert.Equal(t, model.TransferStatusPending, f.reload(t, tr.ID).Status)

	_, err := f.transferSvc.ConfirmGuard(ctx, tr.ID, model.LargeTxShieldStatusKey, true)
	require.NoError(t, err)
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got = f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusSuccess, got.Status)
	assert.Equal(t, model.GuardStatusPassed, got.Metadata[model.LargeTxShieldStatusKey])
	assert.Equal(t, "400.00", f.balance(t, sender.ID))
	assert.Equal(t, "600.00", f.balance(t, receiver.ID))
}

func TestProcessor_FailedGuardKeepsTransferHeld(t *testing.T) {
	f := newFixture(t, guard.NewLargeTransactionShield(decimal.NewFromInt(500)))
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("600")})
	_, err := f.transferSvc.ConfirmGuard(ctx, tr.ID, model.LargeTxShieldStatusKey, false)
	require.NoError(t, err)
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusPending, got.Status)
	assert.Equal(t, model.GuardStatusFailed, got.Metadata[model.LargeTxShieldStatusKey])
	assert.Equal(t, "1000.00", f.balance(t, sender.ID))
}

func TestProcessor_ExternalTransferQueuesSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")

	tr := f.submit(t, TransferRequestInput{
		UserID:                   1,
		DestinationAccountNumber: "3033033033",
		DestinationBank:          "058",
		DestinationName:          "Ada Obi",
		Amount:                   dec("300"),
	})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	assert.Equal(t, model.TransferStatusSuccess, f.reload(t, tr.ID).Status)
	assert.Equal(t, "700.00", f.balance(t, sender.ID))

	records, err := f.transactions.ListByTransferID(ctx, nil, tr.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CategoryExternalTransfer, records[0].Category)
	assert.Equal(t, "058", records[0].Metadata["destination_bank"])
	assert.Contains(t, records[0].Description, "Ada Obi")

	assert.Equal(t, 1, f.topicCount(t, f.topics.Settlement))
}

func TestProcessor_PrefundFromInterest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "100.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")
	interest := &model.SubAccount{UserID: 1, WalletID: sender.ID, Kind: model.SubAccountInterest, Balance: dec("500")}
	require.NoError(t, f.db.Create(interest).Error)

	tr := f.submit(t, TransferRequestInput{
		UserID:                   1,
		DestinationAccountNumber: "0987654321",
		Amount:                   dec("300"),
		Metadata:                 map[string]string{model.MetaFundingSource: model.FundingSourceInterest},
	})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	assert.Equal(t, model.TransferStatusSuccess, f.reload(t, tr.ID).Status)
	assert.Equal(t, "100.00", f.balance(t, sender.ID))
	assert.Equal(t, "300.00", f.balance(t, receiver.ID))

	sub, err := f.subAccounts.Get(ctx, nil, 1, model.SubAccountInterest)
	require.NoError(t, err)
	assert.Equal(t, "200.00", sub.Balance.StringFixed(2))

	debit, err := f.transactions.FindByReference(ctx, nil, tr.TransferNo, sender.ID, model.DirectionDebit)
	require.NoError(t, err)
	require.NotNil(t, debit)
	assert.Equal(t, "interest_prefund", debit.Metadata[model.MetaFundedVia])

	txns, err := f.subAccounts.ListTransactions(ctx, nil, sub.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.CategoryPrefund, txns[0].Category)

	credit, err := f.transactions.FindByReference(ctx, nil, "PREFUND-"+tr.TransferNo, sender.ID, model.DirectionCredit)
	require.NoError(t, err)
	require.NotNil(t, credit)
	assert.Equal(t, model.CategoryPrefund, credit.Category)
	assert.Equal(t, "400.00", credit.BalanceAfter.StringFixed(2))

	// opening balance plus the wallet's records gives the closing balance
	closing := dec("100").Add(f.ledgerNet(t, sender.ID))
	assert.Equal(t, f.balance(t, sender.ID), closing.StringFixed(2))
}

func TestProcessor_PrefundSkippedWhenInterestTooLow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "400.00")
	f.createWallet(t, 2, "0987654321", "8098765432", "0")
	interest := &model.SubAccount{UserID: 1, WalletID: sender.ID, Kind: model.SubAccountInterest, Balance: dec("50")}
	require.NoError(t, f.db.Create(interest).Error)

	tr := f.submit(t, TransferRequestInput{
		UserID:                   1,
		DestinationAccountNumber: "0987654321",
		Amount:                   dec("300"),
		Metadata:                 map[string]string{model.MetaFundingSource: model.FundingSourceInterest},
	})
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	assert.Equal(t, model.TransferStatusSuccess, f.reload(t, tr.ID).Status)
	assert.Equal(t, "100.00", f.balance(t, sender.ID))

	sub, err := f.subAccounts.Get(ctx, nil, 1, model.SubAccountInterest)
	require.NoError(t, err)
	assert.Equal(t, "50.00", sub.Balance.StringFixed(2))
}

func TestProcessor_PanicRollsBackAndClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("250")})
	f.emitter.arm(f.topics.TransactionRecorded, "panic")

	require.NoError(t, f.processor.Process(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrCodeProcessingError, *got.ErrorCode)
	assert.Equal(t, "panic", got.TechnicalDetails["exception_type"])
	assert.Equal(t, "true", got.TechnicalDetails["rolled_back"])
	assert.Equal(t, "debit:wallet:"+strconv.FormatInt(sender.ID, 10)+":250.00", got.TechnicalDetails["partial_mutations"])
	assert.Equal(t, tr.TransferNo, got.TechnicalDetails["transfer_no"])

	assert.Equal(t, "1000.00", f.balance(t, sender.ID))
	assert.Equal(t, "0.00", f.balance(t, receiver.ID))
	records, err := f.transactions.ListByTransferID(ctx, nil, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProcessor_RetryCompletesFailedTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "1000.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("250")})
	f.emitter.arm(f.topics.TransferCompleted, "error")
	require.NoError(t, f.processor.Process(ctx, tr.ID))

	failed := f.reload(t, tr.ID)
	require.Equal(t, model.TransferStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, model.ErrCodeProcessingError, *failed.ErrorCode)
	assert.Equal(t, "1000.00", f.balance(t, sender.ID))

	// the normal entry point ignores FAILED transfers
	require.NoError(t, f.processor.Process(ctx, tr.ID))
	assert.Equal(t, model.TransferStatusFailed, f.reload(t, tr.ID).Status)

	require.NoError(t, f.processor.Retry(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusSuccess, got.Status)
	assert.Nil(t, got.ErrorCode)
	assert.Equal(t, "750.00", f.balance(t, sender.ID))
	assert.Equal(t, "250.00", f.balance(t, receiver.ID))
}

func TestProcessor_RetryIgnoresBusinessFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createWallet(t, 1, "0123456789", "8012345678", "10.00")
	f.createWallet(t, 2, "0987654321", "8098765432", "0")

	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("50")})
	require.NoError(t, f.processor.Process(ctx, tr.ID))
	require.NoError(t, f.processor.Retry(ctx, tr.ID))

	got := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestProcessor_ConcurrentTransfersFromOneWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.createWallet(t, 1, "0123456789", "8012345678", "500.00")
	receiver := f.createWallet(t, 2, "0987654321", "8098765432", "0")

	const n = 8
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		tr := f.submit(t, TransferRequestInput{
			UserID:                   1,
			DestinationAccountNumber: "0987654321",
			Amount:                   dec("100"),
			IdempotencyKey:           "concurrent-" + strconv.Itoa(i),
		})
		ids = append(ids, tr.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			// lock contention leaves the transfer PENDING and returns an error
			_ = f.processor.Process(ctx, id)
		}(id)
	}
	wg.Wait()

	conserved := func() {
		s, r := dec(f.balance(t, sender.ID)), dec(f.balance(t, receiver.ID))
		assert.False(t, s.IsNegative(), "sender balance %s", s)
		assert.Equal(t, "500.00", s.Add(r).StringFixed(2))

		successes := 0
		for _, id := range ids {
			if f.reload(t, id).Status == model.TransferStatusSuccess {
				successes++
			}
		}
		assert.Equal(t, decimal.NewFromInt(int64(100*successes)).StringFixed(2), r.StringFixed(2))
	}
	conserved()

	// drain whatever lost the lock race
	for _, id := range ids {
		if f.reload(t, id).Status == model.TransferStatusPending {
			require.NoError(t, f.processor.Process(ctx, id))
		}
	}
	conserved()

	statuses := map[model.TransferStatus]int{}
	for _, id := range ids {
		tr := f.reload(t, id)
		statuses[tr.Status]++
		if tr.Status == model.TransferStatusFailed {
			require.NotNil(t, tr.ErrorCode)
			assert.Equal(t, model.ErrCodeInsufficientFunds, *tr.ErrorCode)
		}
	}
	assert.Equal(t, map[model.TransferStatus]int{
		model.TransferStatusSuccess: 5,
		model.TransferStatusFailed:  3,
	}, statuses)
	assert.Equal(t, "0.00", f.balance(t, sender.ID))
	assert.Equal(t, "500.00", f.balance(t, receiver.ID))
	assert.Equal(t, "-500.00", f.ledgerNet(t, sender.ID).StringFixed(2))
}
