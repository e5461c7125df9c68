package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderRejected           = errors.New("order rejected")
	ErrInvalidPercent          = errors.New("percent must be positive")
	ErrInvalidTrailingDistance = errors.New("trailing distance must be positive")
	ErrQuantityTooSmall        = errors.New("quantity below minimum order size")
	ErrInvalidPrice            = errors.New("price must be positive")
	ErrSymbolNotFound          = errors.New("symbol not found")
	ErrNoSymbols               = errors.New("no subscribable symbols left")
	ErrTradeNotFound           = errors.New("trade not found")
	ErrTradeExists             = errors.New("trade already open for symbol")
)

// APIError is a venue response with a non-zero return code.
type APIError struct {
	Path    string
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s error %d: %s", e.Path, e.RetCode, e.RetMsg)
}
