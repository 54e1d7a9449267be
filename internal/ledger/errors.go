package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNoFundsSent                 = errors.New("no funds sent with deposit")
	ErrInvalidWithdrawalAmount     = errors.New("withdrawal amount must be greater than zero")
	ErrNoCreatorFeesToClaim        = errors.New("no creator fees available to claim")
	ErrNoExecutionFeesToDistribute = errors.New("no execution fees available to distribute")
	ErrNoCreatorFeesToDistribute   = errors.New("no creator fees available to distribute")
)

// NotAuthorizedError indicates the wrong caller for a gated operation.
type NotAuthorizedError struct {
	Address string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("address %s is not authorized to execute this function", e.Address)
}

// DenomNotAcceptedError indicates a denom outside the accepted set.
type DenomNotAcceptedError struct {
	Denom string
}

func (e DenomNotAcceptedError) Error() string {
	return fmt.Sprintf("denom %s is not accepted for deposits", e.Denom)
}

// InsufficientBalanceError carries the signed available balance against the
// requested withdrawal. Available may be negative.
type InsufficientBalanceError struct {
	Available int64
	Requested uint64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance. available: %d, requested: %d", e.Available, e.Requested)
}

// InvalidCreatorAddressError indicates a creator-type fee without a usable
// creator address.
type InvalidCreatorAddressError struct {
	Reason string
}

func (e InvalidCreatorAddressError) Error() string {
	return fmt.Sprintf("invalid creator address: %s", e.Reason)
}

// InvalidPaymentError indicates attached funds that do not match the fee
// batch exactly.
type InvalidPaymentError struct {
	Reason string
}

func (e InvalidPaymentError) Error() string {
	return fmt.Sprintf("invalid payment: %s", e.Reason)
}
