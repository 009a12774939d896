package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Media errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"

	// Connection errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeWebRTC           ErrorCode = "WEBRTC_ERROR"
	ErrCodeReconnectFailed  ErrorCode = "RECONNECT_FAILED"

	// Malformed inbound signaling
	ErrCodeInvalidOffer        ErrorCode = "INVALID_OFFER"
	ErrCodeInvalidAnswer       ErrorCode = "INVALID_ANSWER"
	ErrCodeInvalidICECandidate ErrorCode = "INVALID_ICE_CANDIDATE"
	ErrCodeInvalidSignal       ErrorCode = "INVALID_SIGNAL"

	// Negotiation failures with cause
	ErrCodeOfferProcessing  ErrorCode = "OFFER_PROCESSING_FAILED"
	ErrCodeAnswerProcessing ErrorCode = "ANSWER_PROCESSING_FAILED"
	ErrCodeICEProcessing    ErrorCode = "ICE_PROCESSING_FAILED"

	// Advisory
	ErrCodeQualityWarning ErrorCode = "QUALITY_WARNING"

	// Session errors
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Request errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the status code registered for the code
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeDeviceNotFound, ErrCodeCallNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidOffer, ErrCodeInvalidAnswer, ErrCodeInvalidICECandidate,
		ErrCodeInvalidSignal, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeUnauthorized, ErrCodeInvalidToken, ErrCodeExpiredToken:
		return http.StatusUnauthorized
	case ErrCodeConnectionFailed, ErrCodeReconnectFailed, ErrCodeServiceUnavail:
		return http.StatusServiceUnavailable
	case ErrCodeWebRTC, ErrCodeOfferProcessing, ErrCodeAnswerProcessing, ErrCodeICEProcessing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Media errors
func PermissionDeniedError(message string, err error) *AppError {
	return Wrap(ErrCodePermissionDenied, message, err)
}

func DeviceNotFoundError(message string, err error) *AppError {
	return Wrap(ErrCodeDeviceNotFound, message, err)
}

// Connection errors
func ConnectionFailedError(message string) *AppError {
	return New(ErrCodeConnectionFailed, message)
}

func WebRTCError(message string, err error) *AppError {
	return Wrap(ErrCodeWebRTC, message, err)
}

// Session errors
func InvalidStateError(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

// Request errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func UnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidTokenError(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func ExpiredTokenError() *AppError {
	return New(ErrCodeExpiredToken, "Token has expired")
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func ServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavail, message)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
