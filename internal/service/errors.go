package service

import (
	"errors"

	"github.com/digkill/gemstudio/internal/keypool"
	"github.com/digkill/gemstudio/internal/repository"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyCheckedIn  = errors.New("already checked in today")
	ErrUpstreamFailure   = errors.New("generation failed")
	ErrPaymentsDisabled  = errors.New("payments are not configured")
	ErrJobSettled        = errors.New("job was refunded before it finished")
	ErrUpstreamExhausted = keypool.ErrUpstreamExhausted

	ErrInsufficientBalance = repository.ErrInsufficientBalance
	ErrDuplicateJob        = repository.ErrDuplicateJob
)
