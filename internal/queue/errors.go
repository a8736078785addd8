package queue

import "errors"

// Коды ошибок координатора. Обработчики REST и WS переводят их
// в HTTP-статусы и события ERROR соответственно.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeValidation = "VALIDATION_ERROR"
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrNoWaitingPatients сигнализирует врачу, что приглашать некого.
// Это не ошибка операции, а штатный исход InviteNext.
var ErrNoWaitingPatients = errors.New("нет ожидающих пациентов")

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func IsNotFound(err error) bool {
	return codeOf(err) == CodeNotFound
}

func IsConflict(err error) bool {
	return codeOf(err) == CodeConflict
}

func IsValidation(err error) bool {
	return codeOf(err) == CodeValidation
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
