package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/yeet-at/pkg/runtime"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
)

// JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes, numbered as Solana-compatible clients expect.
// SendTransactionPreflightFailure covers both rejected transactions and
// transactions that executed and failed; the data member tells them apart.
const (
	SendTransactionPreflightFailure         = -32002
	TransactionSignatureVerificationFailure = -32003
	NodeUnhealthy                           = -32005
	MinContextSlotNotReached                = -32016
)

var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// MinContextSlotError creates an error for min context slot not reached.
func MinContextSlotError(minSlot, currentSlot uint64) *RPCError {
	return NewRPCErrorWithData(MinContextSlotNotReached,
		fmt.Sprintf("Minimum context slot %d has not been reached, current slot is %d", minSlot, currentSlot),
		map[string]uint64{"minSlot": minSlot, "currentSlot": currentSlot})
}

// newTransactionError converts an execution failure to its RPC form.
func newTransactionError(err error) *TransactionError {
	if err == nil {
		return nil
	}
	te := &TransactionError{
		Message:          err.Error(),
		InstructionIndex: -1,
		Code:             uint32(yeet.ErrorCode(err)),
	}
	var ixErr *runtime.InstructionError
	if errors.As(err, &ixErr) {
		te.InstructionIndex = ixErr.Index
	}
	return te
}

// sendTransactionError maps a rejection from the bank to an RPC error.
func sendTransactionError(err error) *RPCError {
	switch {
	case errors.Is(err, runtime.ErrSignatureFailure):
		return NewRPCError(TransactionSignatureVerificationFailure, err.Error())
	case errors.Is(err, runtime.ErrSanitizeFailure):
		return InvalidParamsErrorf("invalid transaction: %v", err)
	case errors.Is(err, runtime.ErrBlockhashNotFound),
		errors.Is(err, runtime.ErrAlreadyProcessed):
		return NewRPCErrorWithData(SendTransactionPreflightFailure, err.Error(), newTransactionError(err))
	default:
		return InternalServerErrorf("failed to process transaction: %v", err)
	}
}
