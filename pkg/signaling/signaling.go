package signaling

import (
	"context"
	"time"

	"github.com/arzzra/webphone/pkg/media_gate"
)

// Library внешняя библиотека сигнализации.
//
// Экземпляр передается компонентам явно, глобального синглтона нет,
// поэтому в тестах его заменяет mockSignaling.
type Library interface {
	// Loaded сообщает, готова ли библиотека к работе
	Loaded() bool
	// NewUserAgent создает агента, но не запускает его
	NewUserAgent(cfg UserAgentConfig) (UserAgent, error)
}

// UserAgentConfig параметры агента регистрации
type UserAgentConfig struct {
	URI               string // канонический адрес sip:user@host
	Username          string
	AuthorizationUser string
	Password          string
	DisplayName       string
	Server            string // адрес WebSocket сервера ws:// или wss://
	Register          bool
	RegisterExpires   time.Duration
	NoAnswerTimeout   time.Duration
	SessionTimers     bool
	UserAgent         string
}

// UserAgent агент, удерживающий транспорт и регистрацию
type UserAgent interface {
	// Start запускает транспорт и регистрацию. Ход процесса сообщается событиями.
	Start(ctx context.Context) error
	// Stop снимает регистрацию и закрывает транспорт.
	// Возвращается только после полной остановки, после этого события не приходят.
	Stop(ctx context.Context) error
	// Events поток событий агента. Закрывается после Stop.
	Events() <-chan Event
	// Call начинает исходящий вызов
	Call(ctx context.Context, target string, opts CallOptions) (Session, error)
}

// EventType вид события агента
type EventType string

const (
	EventConnecting         EventType = "connecting"
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventRegistered         EventType = "registered"
	EventUnregistered       EventType = "unregistered"
	EventRegistrationFailed EventType = "registrationFailed"
	EventNewSession         EventType = "newSession"
)

// Event событие агента. Session заполнено только для EventNewSession.
type Event struct {
	Type    EventType
	Cause   string
	Session Session
	Err     error
}

// Direction направление вызова
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Originator сторона, инициировавшая событие сессии
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// Session одна медиа сессия (вызов) внутри библиотеки
type Session interface {
	ID() string
	Direction() Direction
	// RemoteIdentity пользовательская часть адреса удаленной стороны
	RemoteIdentity() string
	// HasVideo сообщает, предлагает ли удаленная сторона видео
	HasVideo() bool

	Answer(ctx context.Context, opts AnswerOptions) error
	Terminate(opts TerminateOptions) error
	Mute(kinds MediaKinds) error
	Unmute(kinds MediaKinds) error
	IsEnded() bool

	// Events поток событий сессии. Закрывается после завершения сессии.
	Events() <-chan SessionEvent
}

// SessionEventType вид события сессии
type SessionEventType string

const (
	SessionProgress  SessionEventType = "progress"
	SessionAccepted  SessionEventType = "accepted"
	SessionConfirmed SessionEventType = "confirmed"
	SessionEnded     SessionEventType = "ended"
	SessionFailed    SessionEventType = "failed"
	SessionTrack     SessionEventType = "track"
)

// SessionEvent событие сессии. Track заполнен только для SessionTrack.
type SessionEvent struct {
	Type       SessionEventType
	Cause      string
	Originator Originator
	Track      media_gate.Track
}

// CallOptions параметры исходящего вызова
type CallOptions struct {
	Constraints media_gate.Constraints
	LocalStream *media_gate.Stream
}

// AnswerOptions параметры ответа на входящий вызов
type AnswerOptions struct {
	Constraints media_gate.Constraints
	LocalStream *media_gate.Stream
}

// TerminateOptions параметры завершения. Нулевой StatusCode означает
// выбор по состоянию сессии (CANCEL, BYE или 480 для входящего).
type TerminateOptions struct {
	StatusCode int
	Reason     string
}

// MediaKinds виды медиа для Mute/Unmute
type MediaKinds struct {
	Audio bool
	Video bool
}

// Коды отклонения входящего вызова
const (
	StatusBusyHere    = 486
	ReasonBusyHere    = "Busy Here"
	StatusDecline     = 603
	ReasonDecline     = "Decline"
	StatusUnavailable = 480
)

// Причины завершения сессий и отказа регистрации
const (
	CauseBye                 = "Terminated"
	CauseCanceled            = "Canceled"
	CauseNoAnswer            = "No Answer"
	CauseBusy                = "Busy"
	CauseRejected            = "Rejected"
	CauseNotFound            = "Not Found"
	CauseUnavailable         = "Unavailable"
	CauseRequestTimeout      = "Request Timeout"
	CauseConnectionError     = "Connection Error"
	CauseAuthenticationError = "Authentication Error"
	CauseSIPFailureCode      = "SIP Failure Code"
	CauseUserDeniedMedia     = "User Denied Media Access"
	CauseBadMediaDescription = "Bad Media Description"
)

// CauseFromStatus переводит код ответа SIP в причину завершения
func CauseFromStatus(code int) string {
	switch {
	case code == 486 || code == 600:
		return CauseBusy
	case code == 403 || code == 603:
		return CauseRejected
	case code == 404 || code == 604:
		return CauseNotFound
	case code == 480 || code == 410:
		return CauseUnavailable
	case code == 408:
		return CauseRequestTimeout
	case code == 487:
		return CauseCanceled
	case code == 401 || code == 407:
		return CauseAuthenticationError
	case code == 488 || code == 606:
		return CauseBadMediaDescription
	default:
		return CauseSIPFailureCode
	}
}
