package service

import (
	"fmt"
	"net/http"
)

// ErrorKind groups checkout failures by how the caller should react.
type ErrorKind string

const (
	// KindValidation is a problem with the request; safe to retry once fixed.
	KindValidation ErrorKind = "validation"
	// KindInventory means the cart asks for more than is left.
	KindInventory ErrorKind = "inventory"
	// KindUpstream is a store or gateway failure. Message is generic, Code
	// and Err carry the detail.
	KindUpstream ErrorKind = "upstream"
)

// Error codes
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeEmptyCart          = "EMPTY_CART"
	CodeEventNotFound      = "EVENT_NOT_FOUND"
	CodeEventNotOnSale     = "EVENT_NOT_ON_SALE"
	CodeTicketTypeNotFound = "TICKET_TYPE_NOT_FOUND"
	CodeTicketUnavailable  = "TICKET_TYPE_UNAVAILABLE"
	CodeMaxPerOrder        = "MAX_PER_ORDER_EXCEEDED"
	CodeNotReleased        = "TICKET_TYPE_NOT_RELEASED"
	CodeInsufficientStock  = "INSUFFICIENT_CAPACITY"
	CodeInvalidDiscount    = "INVALID_DISCOUNT"
	CodeAmountTooLow       = "AMOUNT_TOO_LOW"
	CodeStoreFailure       = "STORE_ERROR"
	CodeGatewayFailure     = "GATEWAY_ERROR"
)

// CheckoutError is returned by the Intent Builder for every failed quote.
type CheckoutError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *CheckoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func validationError(code, message string) *CheckoutError {
	return &CheckoutError{Kind: KindValidation, Code: code, Message: message, Status: http.StatusBadRequest}
}

func notFoundError(code, message string) *CheckoutError {
	return &CheckoutError{Kind: KindValidation, Code: code, Message: message, Status: http.StatusNotFound}
}

func inventoryError(message string) *CheckoutError {
	return &CheckoutError{Kind: KindInventory, Code: CodeInsufficientStock, Message: message, Status: http.StatusConflict}
}

func storeError(err error) *CheckoutError {
	return &CheckoutError{
		Kind:    KindUpstream,
		Code:    CodeStoreFailure,
		Message: "Something went wrong. Please try again.",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func gatewayError(err error) *CheckoutError {
	return &CheckoutError{
		Kind:    KindUpstream,
		Code:    CodeGatewayFailure,
		Message: "We couldn't start your payment. Please try again.",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// OrderCreationError is returned by the Materializer.
type OrderCreationError struct {
	Message string
	Status  int
	Err     error
}

func (e *OrderCreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *OrderCreationError) Unwrap() error {
	return e.Err
}

func orderError(message string, status int, err error) *OrderCreationError {
	return &OrderCreationError{Message: message, Status: status, Err: err}
}
