package phoneerr

import (
	"errors"
	"fmt"
	"time"
)

// Category категория ошибки для классификации
type Category string

const (
	CategorySystem       Category = "SYSTEM"
	CategoryTransport    Category = "TRANSPORT"
	CategoryRegistration Category = "REGISTRATION"
	CategoryMedia        Category = "MEDIA"
	CategoryCall         Category = "CALL"
	CategoryConfig       Category = "CONFIG"
	CategoryState        Category = "STATE"
)

func (c Category) String() string {
	return string(c)
}

// Severity уровень критичности ошибки
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // система не может продолжать работу
	SeverityError    Severity = "ERROR"    // операция не может быть завершена
	SeverityWarning  Severity = "WARNING"  // операция отклонена, состояние не изменилось
)

func (s Severity) String() string {
	return string(s)
}

// Code уникальный код ошибки софтфона
type Code string

const (
	CodeSignalingLibraryUnavailable Code = "SIGNALING_LIBRARY_UNAVAILABLE"
	CodeTransportFailure            Code = "TRANSPORT_FAILURE"
	CodeRegistrationRejected        Code = "REGISTRATION_REJECTED"
	CodePermissionDenied            Code = "PERMISSION_DENIED"
	CodeDeviceUnsupported           Code = "DEVICE_UNSUPPORTED"
	CodeCallInitiationFailed        Code = "CALL_INITIATION_FAILED"
	CodeNegotiationFailed           Code = "NEGOTIATION_FAILED"
	CodeNoActiveCall                Code = "NO_ACTIVE_CALL"
	CodeCallAlreadyInProgress       Code = "CALL_ALREADY_IN_PROGRESS"
	CodeNotRegistered               Code = "NOT_REGISTERED"
	CodeInvalidConfig               Code = "INVALID_CONFIG"
	CodeInvalidState                Code = "INVALID_STATE"
)

func (c Code) String() string {
	return string(c)
}

// Error структурированная ошибка с контекстом.
//
// Две ошибки считаются равными для errors.Is, если совпадают коды,
// поэтому предопределенные ErrXxx можно сравнивать с любой ошибкой
// того же кода, созданной через New.
type Error struct {
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`

	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`

	Retryable   bool `json:"retryable"`
	UserVisible bool `json:"user_visible"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As для исходной ошибки
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет дополнительное поле к ошибке
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New создает новую структурированную ошибку.
// Категория, критичность и признак повторяемости берутся из каталога кодов.
func New(code Code, message string) *Error {
	meta, ok := catalog[code]
	if !ok {
		meta = codeMeta{category: CategorySystem, severity: SeverityError}
	}
	return &Error{
		Code:        code,
		Message:     message,
		Category:    meta.category,
		Severity:    meta.severity,
		Timestamp:   time.Now(),
		Retryable:   meta.retryable,
		UserVisible: meta.severity != SeverityWarning || meta.retryable,
	}
}

// Wrap создает ошибку с кодом code и исходной ошибкой cause
func Wrap(code Code, message string, cause error) *Error {
	return New(code, message).WithCause(cause)
}

type codeMeta struct {
	category  Category
	severity  Severity
	retryable bool
}

var catalog = map[Code]codeMeta{
	CodeSignalingLibraryUnavailable: {CategorySystem, SeverityCritical, false},
	CodeTransportFailure:            {CategoryTransport, SeverityError, true},
	CodeRegistrationRejected:        {CategoryRegistration, SeverityError, true},
	CodePermissionDenied:            {CategoryMedia, SeverityError, true},
	CodeDeviceUnsupported:           {CategoryMedia, SeverityCritical, false},
	CodeCallInitiationFailed:        {CategoryCall, SeverityError, true},
	CodeNegotiationFailed:           {CategoryCall, SeverityError, false},
	CodeNoActiveCall:                {CategoryState, SeverityWarning, false},
	CodeCallAlreadyInProgress:       {CategoryState, SeverityWarning, false},
	CodeNotRegistered:               {CategoryState, SeverityWarning, true},
	CodeInvalidConfig:               {CategoryConfig, SeverityError, false},
	CodeInvalidState:                {CategoryState, SeverityWarning, false},
}

// Предопределенные ошибки для сравнения через errors.Is
var (
	ErrSignalingLibraryUnavailable = New(CodeSignalingLibraryUnavailable, "библиотека сигнализации недоступна")
	ErrTransportFailure            = New(CodeTransportFailure, "ошибка транспорта")
	ErrRegistrationRejected        = New(CodeRegistrationRejected, "регистрация отклонена сервером")
	ErrPermissionDenied            = New(CodePermissionDenied, "доступ к микрофону и камере запрещен")
	ErrDeviceUnsupported           = New(CodeDeviceUnsupported, "захват медиа не поддерживается")
	ErrCallInitiationFailed        = New(CodeCallInitiationFailed, "не удалось начать вызов")
	ErrNegotiationFailed           = New(CodeNegotiationFailed, "не удалось согласовать медиа")
	ErrNoActiveCall                = New(CodeNoActiveCall, "нет активного вызова")
	ErrCallAlreadyInProgress       = New(CodeCallAlreadyInProgress, "вызов уже выполняется")
	ErrNotRegistered               = New(CodeNotRegistered, "клиент не зарегистрирован")
	ErrInvalidConfig               = New(CodeInvalidConfig, "некорректная конфигурация")
	ErrInvalidState                = New(CodeInvalidState, "операция недоступна в текущем состоянии")
)

// CodeOf возвращает код первой структурированной ошибки в цепочке
// или пустую строку
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// From приводит произвольную ошибку к *Error.
// Ошибки без структуры получают код fallback.
func From(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(fallback, err.Error(), err)
}

// IsRetryable проверяет, можно ли повторить операцию
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// IsUserVisible проверяет, следует ли показать ошибку пользователю
func IsUserVisible(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.UserVisible
}
