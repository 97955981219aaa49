package mockSignaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arzzra/webphone/pkg/signaling"
)

const eventBuffer = 256

// ErrStopped возвращается при попытке отправить событие остановленному агенту
var ErrStopped = errors.New("mock user agent stopped")

// Library in-memory реализация signaling.Library.
//
// Каждый вызов NewUserAgent создает *UserAgent, доступный тесту через
// Agents и LastAgent. Ошибки отдельных шагов задаются полями перед вызовом.
type Library struct {
	mu      sync.Mutex
	loaded  bool
	newErr  error
	agents  []*UserAgent
	configs []signaling.UserAgentConfig
}

// Проверяем соответствие интерфейсам
var (
	_ signaling.Library   = (*Library)(nil)
	_ signaling.UserAgent = (*UserAgent)(nil)
	_ signaling.Session   = (*Session)(nil)
)

// NewLibrary создает загруженную библиотеку
func NewLibrary() *Library {
	return &Library{loaded: true}
}

// SetLoaded эмулирует отсутствие библиотеки
func (l *Library) SetLoaded(loaded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = loaded
}

// FailNewUserAgent заставляет следующие вызовы NewUserAgent вернуть err
func (l *Library) FailNewUserAgent(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.newErr = err
}

func (l *Library) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *Library) NewUserAgent(cfg signaling.UserAgentConfig) (signaling.UserAgent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil, fmt.Errorf("library not loaded")
	}
	if l.newErr != nil {
		return nil, l.newErr
	}
	ua := newUserAgent(cfg)
	l.agents = append(l.agents, ua)
	l.configs = append(l.configs, cfg)
	return ua, nil
}

// Agents возвращает всех созданных агентов в порядке создания
func (l *Library) Agents() []*UserAgent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*UserAgent, len(l.agents))
	copy(out, l.agents)
	return out
}

// LastAgent возвращает последнего созданного агента или nil
func (l *Library) LastAgent() *UserAgent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.agents) == 0 {
		return nil
	}
	return l.agents[len(l.agents)-1]
}

// CallRecord параметры исходящего вызова, полученные агентом
type CallRecord struct {
	Target  string
	Options signaling.CallOptions
	Session *Session
}

// UserAgent управляемый тестом агент
type UserAgent struct {
	cfg signaling.UserAgentConfig

	mu       sync.Mutex
	events   chan signaling.Event
	started  bool
	stopped  bool
	startErr error
	callErr  error
	calls    []CallRecord
}

func newUserAgent(cfg signaling.UserAgentConfig) *UserAgent {
	return &UserAgent{
		cfg:    cfg,
		events: make(chan signaling.Event, eventBuffer),
	}
}

// Config возвращает конфигурацию, с которой агент был создан
func (u *UserAgent) Config() signaling.UserAgentConfig {
	return u.cfg
}

// FailStart заставляет Start вернуть err
func (u *UserAgent) FailStart(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.startErr = err
}

// FailCall заставляет Call вернуть err
func (u *UserAgent) FailCall(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.callErr = err
}

func (u *UserAgent) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.startErr != nil {
		return u.startErr
	}
	u.started = true
	return nil
}

func (u *UserAgent) Stop(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return nil
	}
	u.stopped = true
	close(u.events)
	return nil
}

func (u *UserAgent) Events() <-chan signaling.Event {
	return u.events
}

func (u *UserAgent) Call(ctx context.Context, target string, opts signaling.CallOptions) (signaling.Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.callErr != nil {
		return nil, u.callErr
	}
	if u.stopped {
		return nil, ErrStopped
	}
	s := NewSession(signaling.DirectionOutgoing, target, opts.Constraints.Video)
	u.calls = append(u.calls, CallRecord{Target: target, Options: opts, Session: s})
	return s, nil
}

// Started сообщает, был ли вызван Start
func (u *UserAgent) Started() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.started
}

// Stopped сообщает, был ли вызван Stop
func (u *UserAgent) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// Calls возвращает исходящие вызовы
func (u *UserAgent) Calls() []CallRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CallRecord, len(u.calls))
	copy(out, u.calls)
	return out
}

// LastCall возвращает сессию последнего исходящего вызова или nil
func (u *UserAgent) LastCall() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return nil
	}
	return u.calls[len(u.calls)-1].Session
}

// Emit доставляет событие подписчику агента
func (u *UserAgent) Emit(evt signaling.Event) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return ErrStopped
	}
	select {
	case u.events <- evt:
		return nil
	default:
		return fmt.Errorf("mock user agent event buffer full")
	}
}

// EmitType доставляет событие без дополнительных полей
func (u *UserAgent) EmitType(t signaling.EventType) error {
	return u.Emit(signaling.Event{Type: t})
}

// Ring создает входящую сессию и сообщает о ней подписчику
func (u *UserAgent) Ring(remote string, hasVideo bool) (*Session, error) {
	s := NewSession(signaling.DirectionIncoming, remote, hasVideo)
	if err := u.Emit(signaling.Event{Type: signaling.EventNewSession, Session: s}); err != nil {
		return nil, err
	}
	return s, nil
}

// Session управляемая тестом сессия
type Session struct {
	id        string
	direction signaling.Direction
	remote    string
	hasVideo  bool

	mu           sync.Mutex
	events       chan signaling.SessionEvent
	ended        bool
	answerErr    error
	muteErr      error
	answers      []signaling.AnswerOptions
	terminations []signaling.TerminateOptions
	muted        signaling.MediaKinds
	muteCalls    int
}

// NewSession создает сессию с заданным направлением
func NewSession(direction signaling.Direction, remote string, hasVideo bool) *Session {
	return &Session{
		id:        uuid.NewString(),
		direction: direction,
		remote:    remote,
		hasVideo:  hasVideo,
		events:    make(chan signaling.SessionEvent, eventBuffer),
	}
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Direction() signaling.Direction { return s.direction }
func (s *Session) RemoteIdentity() string         { return s.remote }
func (s *Session) HasVideo() bool                 { return s.hasVideo }

// FailAnswer заставляет Answer вернуть err
func (s *Session) FailAnswer(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerErr = err
}

// FailMute заставляет Mute и Unmute вернуть err
func (s *Session) FailMute(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteErr = err
}

func (s *Session) Answer(ctx context.Context, opts signaling.AnswerOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerErr != nil {
		return s.answerErr
	}
	if s.ended {
		return fmt.Errorf("session %s already ended", s.id)
	}
	s.answers = append(s.answers, opts)
	return nil
}

// Terminate записывает параметры, завершает сессию и сообщает
// подписчику событие ended от локальной стороны
func (s *Session) Terminate(opts signaling.TerminateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminations = append(s.terminations, opts)
	if s.ended {
		return nil
	}
	s.ended = true
	select {
	case s.events <- signaling.SessionEvent{Type: signaling.SessionEnded, Originator: signaling.OriginatorLocal, Cause: signaling.CauseBye}:
	default:
	}
	close(s.events)
	return nil
}

func (s *Session) Mute(kinds signaling.MediaKinds) error {
	return s.setMuted(kinds, true)
}

func (s *Session) Unmute(kinds signaling.MediaKinds) error {
	return s.setMuted(kinds, false)
}

func (s *Session) setMuted(kinds signaling.MediaKinds, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteCalls++
	if s.muteErr != nil {
		return s.muteErr
	}
	if kinds.Audio {
		s.muted.Audio = muted
	}
	if kinds.Video {
		s.muted.Video = muted
	}
	return nil
}

func (s *Session) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Events() <-chan signaling.SessionEvent {
	return s.events
}

// Emit доставляет событие сессии. Событие ended или failed закрывает поток.
func (s *Session) Emit(evt signaling.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("session %s already ended", s.id)
	}
	select {
	case s.events <- evt:
	default:
		return fmt.Errorf("mock session event buffer full")
	}
	if evt.Type == signaling.SessionEnded || evt.Type == signaling.SessionFailed {
		s.ended = true
		close(s.events)
	}
	return nil
}

// EmitType доставляет событие без дополнительных полей
func (s *Session) EmitType(t signaling.SessionEventType) error {
	return s.Emit(signaling.SessionEvent{Type: t, Originator: signaling.OriginatorRemote})
}

// Answers возвращает параметры всех вызовов Answer
func (s *Session) Answers() []signaling.AnswerOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.AnswerOptions, len(s.answers))
	copy(out, s.answers)
	return out
}

// Terminations возвращает параметры всех вызовов Terminate
func (s *Session) Terminations() []signaling.TerminateOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.TerminateOptions, len(s.terminations))
	copy(out, s.terminations)
	return out
}

// Muted возвращает текущее состояние mute на уровне сессии
func (s *Session) Muted() signaling.MediaKinds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// MuteCalls количество вызовов Mute и Unmute
func (s *Session) MuteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muteCalls
}
