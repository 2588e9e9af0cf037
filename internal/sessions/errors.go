package sessions

import "errors"

var (
	ErrNotFound          = errors.New("session not found")
	ErrOutOfOrderStep    = errors.New("step submitted out of order")
	ErrAlreadyPaid       = errors.New("session already paid")
	ErrInvalidTransition = errors.New("invalid payment status transition")
	ErrCheckoutNotFound  = errors.New("checkout not found")
)
