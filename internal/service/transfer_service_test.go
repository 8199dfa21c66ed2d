package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xypay/internal/model"
)

func TestTransferService_SubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := TransferRequestInput{
		IdempotencyKey:           "client-key-1",
		UserID:                   1,
		DestinationAccountNumber: " 0987654321 ",
		Amount:                   dec("12.345"),
		Channel:                  "mobile",
	}
	first, created, err := f.transferSvc.Submit(ctx, &in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TransferStatusPending, first.Status)
	assert.Equal(t, "0987654321", first.DestinationAccountNumber)
	assert.Equal(t, "12.35", first.Amount.StringFixed(2))
	assert.Equal(t, "NGN", first.Currency)
	assert.Equal(t, model.ChannelMobile, first.Channel)

	again := in
	second, created, err := f.transferSvc.Submit(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferCreated))
}

func TestTransferService_SubmitGeneratesKey(t *testing.T) {
	f := newFixture(t)
	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("1")})
	assert.Contains(t, tr.IdempotencyKey, "sys-")
}

func TestTransferService_SubmitRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]TransferRequestInput{
		"no user":        {DestinationAccountNumber: "0987654321", Amount: dec("1")},
		"no destination": {UserID: 1, Amount: dec("1")},
		"zero amount":    {UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("0.001")},
		"negative":       {UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("-5")},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			in := in
			_, _, err := f.transferSvc.Submit(ctx, &in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestTransferService_ConfirmGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("1")})

	_, err := f.transferSvc.ConfirmGuard(ctx, tr.ID, "made_up_status", true)
	assert.ErrorIs(t, err, ErrUnknownGuard)

	got, err := f.transferSvc.ConfirmGuard(ctx, tr.ID, model.NightGuardStatusKey, true)
	require.NoError(t, err)
	assert.Equal(t, model.GuardStatusPassed, got.Metadata[model.NightGuardStatusKey])
	assert.Equal(t, model.GuardStatusPassed, f.reload(t, tr.ID).Metadata[model.NightGuardStatusKey])

	// the transfer is enqueued again for evaluation
	assert.Equal(t, 2, f.topicCount(t, f.topics.TransferCreated))
}

func TestTransferService_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.submit(t, TransferRequestInput{UserID: 1, DestinationAccountNumber: "0987654321", Amount: dec("1")})

	got, err := f.transferSvc.Cancel(ctx, tr.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, model.TransferStatusCancelled, got.Status)

	stored := f.reload(t, tr.ID)
	assert.Equal(t, model.TransferStatusCancelled, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "customer request", *stored.FailureReason)

	_, err = f.transferSvc.Cancel(ctx, tr.ID, "")
	assert.ErrorIs(t, err, ErrTransferNotActive)
	_, err = f.transferSvc.ConfirmGuard(ctx, tr.ID, model.NightGuardStatusKey, true)
	assert.ErrorIs(t, err, ErrTransferNotActive)

	// the processor leaves cancelled transfers alone
	require.NoError(t, f.processor.Process(ctx, tr.ID))
	assert.Equal(t, model.TransferStatusCancelled, f.reload(t, tr.ID).Status)
}

func TestTransferService_ResubmitTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.transferSvc.Resubmit(ctx, 42, true))
	require.NoError(t, f.transferSvc.Resubmit(ctx, 43, false))

	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferRetry))
	assert.Equal(t, 1, f.topicCount(t, f.topics.TransferCreated))
}

func TestTransferService_List(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.submit(t, TransferRequestInput{UserID: 7, DestinationAccountNumber: "0987654321", Amount: dec("1")})
	}
	f.submit(t, TransferRequestInput{UserID: 8, DestinationAccountNumber: "0987654321", Amount: dec("1")})

	list, total, err := f.transferSvc.List(context.Background(), 7, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, list, 2)
}
