package saga

import (
	"errors"
	"fmt"

	"xypay/internal/model"
)

var (
	ErrUnknownSagaType = errors.New("unknown saga type")
	ErrUnknownStep     = errors.New("step not part of saga")
	ErrSagaFinished    = errors.New("saga already at its last step")
	ErrInvalidPayload  = errors.New("invalid saga payload")
)

var stepTables = map[model.SagaType][]model.SagaStep{
	model.SagaAccountTransfer: {
		model.StepStart,
		model.StepDebitSource,
		model.StepCreditDestination,
		model.StepComplete,
	},
	model.SagaLoanDisbursement: {
		model.StepStart,
		model.StepCreateLoanAccount,
		model.StepDisburseFunds,
		model.StepComplete,
	},
}

// Steps returns the ordered steps of a saga type.
func Steps(sagaType model.SagaType) ([]model.SagaStep, error) {
	steps, ok := stepTables[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	out := make([]model.SagaStep, len(steps))
	copy(out, steps)
	return out, nil
}

// NextStep is the pure step-table lookup. Reaching COMPLETE completes the
// saga; every other step keeps it in progress.
func NextStep(sagaType model.SagaType, current model.SagaStep) (model.SagaStep, model.SagaStatus, error) {
	steps, ok := stepTables[sagaType]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	for i, s := range steps {
		if s != current {
			continue
		}
		if i == len(steps)-1 {
			return "", "", ErrSagaFinished
		}
		next := steps[i+1]
		if next == model.StepComplete {
			return next, model.SagaStatusCompleted, nil
		}
		return next, model.SagaStatusInProgress, nil
	}
	return "", "", fmt.Errorf("%w: %s/%s", ErrUnknownStep, sagaType, current)
}
