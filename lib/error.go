package lib

import (
	"errors"
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

// NewError() constructs a new Error instance
func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

// IsCode() reports whether err is an ErrorI carrying the module and code
func IsCode(err error, module ErrorModule, code ErrorCode) bool {
	var e ErrorI
	if err == nil || !errors.As(err, &e) {
		return false
	}
	return e.Module() == module && e.Code() == code
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal      ErrorCode = 1
	CodeJSONUnmarshal    ErrorCode = 2
	CodeStringToBytes    ErrorCode = 3
	CodeWriteFile        ErrorCode = 4
	CodeReadFile         ErrorCode = 5
	CodeInvalidArgument  ErrorCode = 6
	CodeInvalidMessageID ErrorCode = 7

	// Codec Module (the FormatError family)
	CodecModule ErrorModule = "codec"

	// Codec Module Error Codes
	CodeWrongVersion     ErrorCode = 1
	CodeTruncated        ErrorCode = 2
	CodeLengthMismatch   ErrorCode = 3
	CodeUnknownKind      ErrorCode = 4
	CodeOversize         ErrorCode = 5
	CodeMalformedJSON    ErrorCode = 6
	CodeMalformedPayload ErrorCode = 7
	CodeMismatchID       ErrorCode = 8
	CodeInvalidSignature ErrorCode = 9
	CodeEmptySender      ErrorCode = 10
	CodeInvalidSender    ErrorCode = 11

	// Round Module
	RoundModule ErrorModule = "round"

	// Round Module Error Codes
	CodeNoSuchRound        ErrorCode = 1
	CodeRoundClosed        ErrorCode = 2
	CodeAlreadyOpen        ErrorCode = 3
	CodeNoResolver         ErrorCode = 4
	CodeSubjectHalted      ErrorCode = 5
	CodeInvariantViolation ErrorCode = 6
	CodeWrongKind          ErrorCode = 7
	CodeEmptySubject       ErrorCode = 8

	// Intent Module
	IntentModule ErrorModule = "intent"

	// Intent Module Error Codes
	CodeWrongResource ErrorCode = 1

	// Vote Module
	VoteModule ErrorModule = "vote"

	// Vote Module Error Codes
	CodeWrongProposal ErrorCode = 1
	CodeInvalidChoice ErrorCode = 2

	// Sync Module
	SyncModule ErrorModule = "statesync"

	// Sync Module Error Codes
	CodeUnknownParent     ErrorCode = 1
	CodeWrongSession      ErrorCode = 2
	CodeWrongSequence     ErrorCode = 3
	CodeDiscardedBranch   ErrorCode = 4
	CodeNonMonotonic      ErrorCode = 5
	CodeBelowCheckpoint   ErrorCode = 6
	CodeOrphanPoolFull    ErrorCode = 7
	CodeDuplicateMoveHash ErrorCode = 8

	// Emitter Module
	EmitterModule ErrorModule = "emitter"

	// Emitter Module Error Codes
	CodeLedgerRejected    ErrorCode = 1
	CodeLedgerTimeout     ErrorCode = 2
	CodeLedgerReverted    ErrorCode = 3
	CodeInsufficientFunds ErrorCode = 4
	CodeFeeTooHigh        ErrorCode = 5
	CodeDivergentOutcome  ErrorCode = 6
	CodeEmitterStopped    ErrorCode = 7

	// Storage Module
	StorageModule ErrorModule = "store"

	// Storage Module Error Codes
	CodeOpenDB      ErrorCode = 1
	CodeCloseDB     ErrorCode = 2
	CodeStoreSet    ErrorCode = 3
	CodeStoreGet    ErrorCode = 4
	CodeStoreIt     ErrorCode = 5
	CodeStoreDelete ErrorCode = 6
	CodeCommitDB    ErrorCode = 7

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeUnknownPeer      ErrorCode = 1
	CodeMaxPeers         ErrorCode = 2
	CodeFailedDial       ErrorCode = 3
	CodeFailedWrite      ErrorCode = 4
	CodeFailedRead       ErrorCode = 5
	CodeBadHandshake     ErrorCode = 6
	CodeFrameTooLarge    ErrorCode = 7
	CodeDuplicatePeer    ErrorCode = 8
	CodeFailedListen     ErrorCode = 9
	CodeTransportStopped ErrorCode = 10

	// Coordinator Module
	CoordinatorModule ErrorModule = "coordinator"

	// Coordinator Module Error Codes
	CodeNodeStopped      ErrorCode = 1
	CodeUnknownSession   ErrorCode = 2
	CodeUnsignedEnvelope ErrorCode = 3
	CodeUnknownSigner    ErrorCode = 4

	// RPC Module
	RPCModule ErrorModule = "rpc"

	// RPC Module Error Codes
	CodeRPCTimeout      ErrorCode = 1
	CodeInvalidParams   ErrorCode = 2
	CodeOutcomeNotFound ErrorCode = 3
)

func newLogError(err error) ErrorI {
	return NewError(NoCode, MainModule, err.Error())
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("stringToBytes() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrInvalidArgument() ErrorI {
	return NewError(CodeInvalidArgument, MainModule, "the argument is invalid")
}

func ErrInvalidMessageID(length int) ErrorI {
	return NewError(CodeInvalidMessageID, MainModule, fmt.Sprintf("message id must be %d bytes, got %d", MessageIDSize, length))
}

// FORMAT ERRORS BELOW

func ErrWrongVersion(got byte) ErrorI {
	return NewError(CodeWrongVersion, CodecModule, fmt.Sprintf("unsupported envelope version %d", got))
}

func ErrTruncated(field string) ErrorI {
	return NewError(CodeTruncated, CodecModule, fmt.Sprintf("envelope truncated while reading %s", field))
}

func ErrLengthMismatch(declared uint64, remaining int) ErrorI {
	return NewError(CodeLengthMismatch, CodecModule, fmt.Sprintf("declared length %d does not match remaining %d bytes", declared, remaining))
}

func ErrUnknownKind(kind byte) ErrorI {
	return NewError(CodeUnknownKind, CodecModule, fmt.Sprintf("unknown envelope kind %d", kind))
}

func ErrOversize(size, limit int) ErrorI {
	return NewError(CodeOversize, CodecModule, fmt.Sprintf("%d bytes exceeds the %d byte limit", size, limit))
}

func ErrMalformedJSON(err error) ErrorI {
	return NewError(CodeMalformedJSON, CodecModule, fmt.Sprintf("malformed json envelope: %s", err.Error()))
}

func ErrMalformedPayload(kind Kind, err error) ErrorI {
	return NewError(CodeMalformedPayload, CodecModule, fmt.Sprintf("malformed %s payload: %s", kind, err.Error()))
}

func ErrMismatchID() ErrorI {
	return NewError(CodeMismatchID, CodecModule, "message id is not derived from the envelope contents")
}

func ErrInvalidSignature() ErrorI {
	return NewError(CodeInvalidSignature, CodecModule, "envelope signature is invalid")
}

func ErrEmptySender() ErrorI {
	return NewError(CodeEmptySender, CodecModule, "envelope sender is empty")
}

func ErrInvalidSender() ErrorI {
	return NewError(CodeInvalidSender, CodecModule, "envelope sender is not valid utf-8")
}

// IsFormatError() reports whether the error belongs to the FormatError family
func IsFormatError(err error) bool {
	var e ErrorI
	return err != nil && errors.As(err, &e) && e.Module() == CodecModule
}

// ROUND ERRORS BELOW

func ErrNoSuchRound(subject string) ErrorI {
	return NewError(CodeNoSuchRound, RoundModule, fmt.Sprintf("no round for subject %q", subject))
}

func ErrRoundClosed(subject string, epoch uint64) ErrorI {
	return NewError(CodeRoundClosed, RoundModule, fmt.Sprintf("round %q epoch %d is closed", subject, epoch))
}

func ErrAlreadyOpen(subject string) ErrorI {
	return NewError(CodeAlreadyOpen, RoundModule, fmt.Sprintf("round %q is already open", subject))
}

func ErrNoResolver(kind Kind) ErrorI {
	return NewError(CodeNoResolver, RoundModule, fmt.Sprintf("no resolver registered for kind %s", kind))
}

func ErrSubjectHalted(subject string) ErrorI {
	return NewError(CodeSubjectHalted, RoundModule, fmt.Sprintf("subject %q is halted", subject))
}

func ErrInvariantViolation(msg string) ErrorI {
	return NewError(CodeInvariantViolation, RoundModule, "invariant violation: "+msg)
}

func ErrWrongKind(subject string, expected, got Kind) ErrorI {
	return NewError(CodeWrongKind, RoundModule, fmt.Sprintf("round %q expects %s contributions, got %s", subject, expected, got))
}

func ErrEmptySubject() ErrorI {
	return NewError(CodeEmptySubject, RoundModule, "subject key is empty")
}

// IsInvariantViolation() reports whether the error must halt the subject
func IsInvariantViolation(err error) bool {
	return IsCode(err, RoundModule, CodeInvariantViolation)
}

// DOMAIN ERRORS BELOW

func ErrWrongResource(expected, got string) ErrorI {
	return NewError(CodeWrongResource, IntentModule, fmt.Sprintf("intent targets resource %q, round is for %q", got, expected))
}

func ErrWrongProposal(expected, got string) ErrorI {
	return NewError(CodeWrongProposal, VoteModule, fmt.Sprintf("vote targets proposal %q, round is for %q", got, expected))
}

func ErrInvalidChoice(c Choice) ErrorI {
	return NewError(CodeInvalidChoice, VoteModule, fmt.Sprintf("invalid vote choice %d", c))
}

func ErrUnknownParent(prevHash HexBytes) ErrorI {
	return NewError(CodeUnknownParent, SyncModule, fmt.Sprintf("unknown parent move %s", prevHash))
}

func ErrWrongSession(expected, got string) ErrorI {
	return NewError(CodeWrongSession, SyncModule, fmt.Sprintf("move targets session %q, round is for %q", got, expected))
}

func ErrWrongSequence(expected, got uint64) ErrorI {
	return NewError(CodeWrongSequence, SyncModule, fmt.Sprintf("move sequence %d does not extend its parent, expected %d", got, expected))
}

func ErrDiscardedBranch() ErrorI {
	return NewError(CodeDiscardedBranch, SyncModule, "move extends a branch discarded at the last checkpoint")
}

func ErrNonMonotonicCheckpoint(prev, next uint64) ErrorI {
	return ErrInvariantViolation(fmt.Sprintf("checkpoint sequence %d does not exceed previous %d", next, prev))
}

func ErrBelowCheckpoint(seq, anchor uint64) ErrorI {
	return NewError(CodeBelowCheckpoint, SyncModule, fmt.Sprintf("move sequence %d is not above the checkpoint at %d", seq, anchor))
}

func ErrOrphanPoolFull() ErrorI {
	return NewError(CodeOrphanPoolFull, SyncModule, "orphan move buffer is full")
}

// LEDGER ERRORS BELOW

func ErrLedgerRejected(reason string) ErrorI {
	return NewError(CodeLedgerRejected, EmitterModule, "ledger rejected the outcome: "+reason)
}

func ErrLedgerTimeout() ErrorI {
	return NewError(CodeLedgerTimeout, EmitterModule, "ledger call timed out")
}

func ErrLedgerReverted(reason string) ErrorI {
	return NewError(CodeLedgerReverted, EmitterModule, "ledger reverted the outcome: "+reason)
}

func ErrInsufficientFunds(fee, balance uint64) ErrorI {
	return NewError(CodeInsufficientFunds, EmitterModule, fmt.Sprintf("fee %d exceeds balance %d", fee, balance))
}

func ErrFeeTooHigh(fee, ceiling uint64) ErrorI {
	return NewError(CodeFeeTooHigh, EmitterModule, fmt.Sprintf("estimated fee %d is above the ceiling %d", fee, ceiling))
}

func ErrDivergentOutcome(subject string, epoch uint64) ErrorI {
	return ErrInvariantViolation(fmt.Sprintf("second differing outcome for %q epoch %d", subject, epoch))
}

func ErrEmitterStopped() ErrorI {
	return NewError(CodeEmitterStopped, EmitterModule, "emitter is stopped")
}

// P2P ERRORS BELOW

func ErrUnknownPeer(peer PeerID) ErrorI {
	return NewError(CodeUnknownPeer, P2PModule, fmt.Sprintf("peer %s is not connected", peer))
}

func ErrMaxPeers() ErrorI {
	return NewError(CodeMaxPeers, P2PModule, "max peers reached")
}

func ErrFailedDial(err error) ErrorI {
	return NewError(CodeFailedDial, P2PModule, fmt.Sprintf("dial failed with err: %s", err.Error()))
}

func ErrFailedWrite(err error) ErrorI {
	return NewError(CodeFailedWrite, P2PModule, fmt.Sprintf("conn.Write() failed with err: %s", err.Error()))
}

func ErrFailedRead(err error) ErrorI {
	return NewError(CodeFailedRead, P2PModule, fmt.Sprintf("conn.Read() failed with err: %s", err.Error()))
}

func ErrBadHandshake(err error) ErrorI {
	return NewError(CodeBadHandshake, P2PModule, fmt.Sprintf("handshake failed with err: %s", err.Error()))
}

func ErrFrameTooLarge(size, limit uint64) ErrorI {
	return NewError(CodeFrameTooLarge, P2PModule, fmt.Sprintf("frame of %d bytes exceeds the %d byte limit", size, limit))
}

func ErrDuplicatePeer(peer PeerID) ErrorI {
	return NewError(CodeDuplicatePeer, P2PModule, fmt.Sprintf("peer %s is already connected", peer))
}

func ErrFailedListen(err error) ErrorI {
	return NewError(CodeFailedListen, P2PModule, fmt.Sprintf("listen failed with err: %s", err.Error()))
}

func ErrTransportStopped() ErrorI {
	return NewError(CodeTransportStopped, P2PModule, "transport is stopped")
}

// COORDINATOR ERRORS BELOW

func ErrNodeStopped() ErrorI {
	return NewError(CodeNodeStopped, CoordinatorModule, "node is stopped")
}

func ErrUnknownSession(id string) ErrorI {
	return NewError(CodeUnknownSession, CoordinatorModule, fmt.Sprintf("unknown session %s", id))
}

func ErrUnsignedEnvelope(sender PeerID) ErrorI {
	return NewError(CodeUnsignedEnvelope, CoordinatorModule, fmt.Sprintf("unsigned envelope from %s", sender))
}

func ErrUnknownSigner(sender PeerID) ErrorI {
	return NewError(CodeUnknownSigner, CoordinatorModule, fmt.Sprintf("no public key for %s", sender))
}

// RPC ERRORS BELOW

func ErrRPCTimeout() ErrorI {
	return NewError(CodeRPCTimeout, RPCModule, "rpc call timed out")
}

func ErrInvalidParams(err error) ErrorI {
	return NewError(CodeInvalidParams, RPCModule, fmt.Sprintf("invalid params: %s", err.Error()))
}

func ErrOutcomeNotFound(subject string, epoch uint64) ErrorI {
	if epoch == 0 {
		return NewError(CodeOutcomeNotFound, RPCModule, fmt.Sprintf("no outcome yet for %q", subject))
	}
	return NewError(CodeOutcomeNotFound, RPCModule, fmt.Sprintf("no outcome for %q epoch %d", subject, epoch))
}
