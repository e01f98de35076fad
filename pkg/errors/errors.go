package apperrors

import "errors"

// Standardized market and account errors. The HTTP layer maps these to
// status codes; everything else wraps them with %w.
var (
	ErrInvalidCode           = errors.New("invalid player code")
	ErrInvalidNick           = errors.New("invalid nick")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidSide           = errors.New("invalid side")
	ErrUnknownPlayer         = errors.New("unknown player")
	ErrMarketNotStarted      = errors.New("market not started")
	ErrPoolInvalid           = errors.New("pool not initialized")
	ErrInsufficientFunds     = errors.New("insufficient USD balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrAmountTooSmall        = errors.New("amount too small after fee")
	ErrMarginExceeded        = errors.New("insufficient margin / leverage exceeded")
)
