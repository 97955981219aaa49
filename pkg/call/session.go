package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/signaling"
)

// Status состояние вызова
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal сообщает, завершен ли вызов
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// DefaultNoAnswerTimeout время ожидания ответа
const DefaultNoAnswerTimeout = 60 * time.Second

// Info неизменяемый снимок вызова для наблюдателей
type Info struct {
	ID             string              `json:"id"`
	Direction      signaling.Direction `json:"direction"`
	RemoteIdentity string              `json:"remote_identity"`
	Status         Status              `json:"status"`
	Video          bool                `json:"video"`
	StartedAt      time.Time           `json:"started_at"`
	AnsweredAt     time.Time           `json:"answered_at,omitempty"`
	EndedAt        time.Time           `json:"ended_at,omitempty"`
	Cause          string              `json:"cause,omitempty"`
	// Declined входящий вызов отклонен локально до ответа
	Declined bool `json:"declined,omitempty"`
}

// Duration длительность разговора, ноль для неотвеченных вызовов
func (i Info) Duration() time.Duration {
	if i.AnsweredAt.IsZero() {
		return 0
	}
	end := i.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(i.AnsweredAt)
}

// Event событие вызова для владельца Session
type Event struct {
	CallID  string
	Session signaling.SessionEvent
	// Timeout истекло время ожидания ответа
	Timeout bool
}

// Sink получатель событий вызова. Должен прекращать ожидание при отмене ctx.
type Sink func(ctx context.Context, evt Event)

// MediaPrefs пожелания к медиа исходящего вызова
type MediaPrefs struct {
	Video bool
}

// Options параметры вызова
type Options struct {
	NoAnswerTimeout time.Duration
	Sink            Sink
	Logger          zerolog.Logger
}

// Dialer умеет начинать исходящие вызовы (signaling.UserAgent)
type Dialer interface {
	Call(ctx context.Context, target string, opts signaling.CallOptions) (signaling.Session, error)
}

// События автомата
const (
	evProgress = "progress"
	evAnswer   = "answer"
	evEnd      = "end"
	evFail     = "fail"
)

// Session один вызов поверх сессии библиотеки.
//
// Session не потокобезопасна и принадлежит одной горутине владельца.
// Собственные горутины (пересылка событий и таймер ожидания ответа) только
// передают события в Sink, состояние меняет HandleEvent.
type Session struct {
	info   Info
	sm     *fsm.FSM
	handle signaling.Session
	opts   Options
	logger zerolog.Logger

	local  *media_gate.Stream
	remote *media_gate.Stream

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	wg     sync.WaitGroup
}

// Originate начинает исходящий вызов на target.
// Ошибка библиотеки возвращается как CallInitiationFailed, сессия не создается.
func Originate(ctx context.Context, dialer Dialer, target string, prefs MediaPrefs, local *media_gate.Stream, opts Options) (*Session, error) {
	if local == nil {
		return nil, phoneerr.New(phoneerr.CodeCallInitiationFailed, "нет локального медиа потока")
	}
	if dialer == nil {
		return nil, phoneerr.New(phoneerr.CodeNotRegistered, "нет агента для исходящего вызова")
	}

	video := prefs.Video && local.HasKind(media_gate.KindVideo)
	handle, err := dialer.Call(ctx, target, signaling.CallOptions{
		Constraints: media_gate.Constraints{Audio: true, Video: video},
		LocalStream: local,
	})
	if err != nil {
		return nil, phoneerr.Wrap(phoneerr.CodeCallInitiationFailed, "библиотека отклонила вызов", err).
			WithField("target", target)
	}
	if handle == nil {
		return nil, phoneerr.New(phoneerr.CodeCallInitiationFailed, "библиотека не вернула сессию").
			WithField("target", target)
	}

	s := newSession(handle, StatusInitiating, opts)
	s.info.Video = video
	if s.info.RemoteIdentity == "" {
		s.info.RemoteIdentity = target
	}
	s.local = local
	s.start()

	s.logger.Info().Str("target", target).Bool("video", video).Msg("Исходящий вызов начат")
	return s, nil
}

// NewIncoming оборачивает входящую сессию библиотеки. Вызов сразу звонит.
func NewIncoming(handle signaling.Session, opts Options) *Session {
	s := newSession(handle, StatusRinging, opts)
	s.info.Video = handle.HasVideo()
	s.start()

	s.logger.Info().Str("remote", s.info.RemoteIdentity).Bool("video", s.info.Video).Msg("Входящий вызов")
	return s
}

func newSession(handle signaling.Session, initial Status, opts Options) *Session {
	if opts.NoAnswerTimeout <= 0 {
		opts.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	s := &Session{
		handle: handle,
		opts:   opts,
		info: Info{
			ID:             handle.ID(),
			Direction:      handle.Direction(),
			RemoteIdentity: handle.RemoteIdentity(),
			Status:         initial,
			StartedAt:      time.Now(),
		},
	}
	s.logger = opts.Logger.With().
		Str("module", "call").
		Str("call_id", s.info.ID).
		Str("direction", string(s.info.Direction)).
		Logger()
	s.remote = media_gate.NewStream(s.info.ID + "-remote")
	s.initStateMachine(initial)
	return s
}

func (s *Session) initStateMachine(initial Status) {
	live := []string{string(StatusInitiating), string(StatusRinging), string(StatusAnswered)}
	s.sm = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evProgress, Src: []string{string(StatusInitiating)}, Dst: string(StatusRinging)},
			{Name: evAnswer, Src: []string{string(StatusInitiating), string(StatusRinging)}, Dst: string(StatusAnswered)},
			{Name: evEnd, Src: live, Dst: string(StatusEnded)},
			{Name: evFail, Src: live, Dst: string(StatusFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				s.info.Status = Status(e.Dst)
				s.logger.Info().Str("from", e.Src).Str("to", e.Dst).Msg("Состояние вызова изменено")
			},
			"enter_" + string(StatusAnswered): func(ctx context.Context, e *fsm.Event) {
				s.info.AnsweredAt = time.Now()
				s.stopTimer()
			},
			"enter_" + string(StatusEnded): func(ctx context.Context, e *fsm.Event) {
				s.finish()
			},
			"enter_" + string(StatusFailed): func(ctx context.Context, e *fsm.Event) {
				s.finish()
			},
		},
	)
}

// start запускает пересылку событий и таймер ожидания ответа
func (s *Session) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	events := s.handle.Events()
	id := s.info.ID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				s.emit(Event{CallID: id, Session: evt})
			}
		}
	}()

	s.timer = time.AfterFunc(s.opts.NoAnswerTimeout, func() {
		s.emit(Event{CallID: id, Timeout: true})
	})
}

func (s *Session) emit(evt Event) {
	if s.opts.Sink == nil {
		return
	}
	s.opts.Sink(s.ctx, evt)
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// finish освобождает ресурсы при переходе в терминальное состояние
func (s *Session) finish() {
	s.info.EndedAt = time.Now()
	s.stopTimer()
	if s.cancel != nil {
		s.cancel()
	}
	s.local = nil
	s.remote = media_gate.NewStream(s.info.ID + "-remote")
}

func (s *Session) fire(event string) bool {
	err := s.sm.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if !errors.As(err, &noTransition) {
		s.logger.Debug().Err(err).Str("event", event).Msg("Событие вызова отклонено")
	}
	return false
}

// Accept отвечает на входящий вызов потоком local.
// Видео включается, только если его предлагает удаленная сторона.
func (s *Session) Accept(ctx context.Context, local *media_gate.Stream) error {
	if s.Status().IsTerminal() {
		return phoneerr.New(phoneerr.CodeNoActiveCall, "вызов уже завершен").
			WithField("status", s.Status().String())
	}
	if s.info.Direction != signaling.DirectionIncoming || s.Status() != StatusRinging {
		return phoneerr.New(phoneerr.CodeCallAlreadyInProgress, "вызов уже идет").
			WithField("status", s.Status().String())
	}
	if local == nil {
		return phoneerr.New(phoneerr.CodeNegotiationFailed, "нет локального медиа потока")
	}

	video := s.info.Video && local.HasKind(media_gate.KindVideo)
	err := s.handle.Answer(ctx, signaling.AnswerOptions{
		Constraints: media_gate.Constraints{Audio: true, Video: video},
		LocalStream: local,
	})
	if err != nil {
		s.info.Cause = signaling.CauseBadMediaDescription
		s.fire(evFail)
		s.terminateAsync(signaling.TerminateOptions{})
		return phoneerr.Wrap(phoneerr.CodeNegotiationFailed, "не удалось ответить на вызов", err)
	}

	s.info.Video = video
	s.local = local
	s.fire(evAnswer)
	return nil
}

// Terminate завершает вызов. Звонящий входящий вызов отклоняется
// ответом 486 Busy Here, остальные завершаются библиотекой по состоянию.
// Локальное состояние меняется сразу, библиотека завершает сессию в фоне.
func (s *Session) Terminate() (signaling.TerminateOptions, error) {
	status := s.Status()
	if status.IsTerminal() {
		return signaling.TerminateOptions{}, phoneerr.New(phoneerr.CodeNoActiveCall, "вызов уже завершен")
	}

	var opts signaling.TerminateOptions
	if s.info.Direction == signaling.DirectionIncoming && status == StatusRinging {
		opts = signaling.TerminateOptions{StatusCode: signaling.StatusBusyHere, Reason: signaling.ReasonBusyHere}
		s.info.Declined = true
		s.info.Cause = signaling.CauseRejected
	} else {
		s.info.Cause = signaling.CauseBye
	}

	s.fire(evEnd)
	s.terminateAsync(opts)
	return opts, nil
}

func (s *Session) terminateAsync(opts signaling.TerminateOptions) {
	handle := s.handle
	logger := s.logger
	go func() {
		if err := handle.Terminate(opts); err != nil {
			logger.Warn().Err(err).Msg("Ошибка завершения сессии в библиотеке")
		}
	}()
}

// HandleEvent применяет событие к вызову. Возвращает true, если снимок
// вызова или удаленный поток изменились.
func (s *Session) HandleEvent(evt Event) bool {
	if evt.CallID != s.info.ID || s.Status().IsTerminal() {
		return false
	}

	if evt.Timeout {
		if s.Status() == StatusAnswered {
			return false
		}
		s.logger.Warn().Dur("timeout", s.opts.NoAnswerTimeout).Msg("Нет ответа")
		s.info.Cause = signaling.CauseNoAnswer
		s.fire(evFail)
		opts := signaling.TerminateOptions{}
		if s.info.Direction == signaling.DirectionIncoming {
			opts = signaling.TerminateOptions{StatusCode: 408, Reason: signaling.CauseRequestTimeout}
		}
		s.terminateAsync(opts)
		return true
	}

	se := evt.Session
	switch se.Type {
	case signaling.SessionProgress:
		return s.fire(evProgress)
	case signaling.SessionAccepted, signaling.SessionConfirmed:
		return s.fire(evAnswer)
	case signaling.SessionEnded:
		s.info.Cause = se.Cause
		return s.fire(evEnd)
	case signaling.SessionFailed:
		s.info.Cause = se.Cause
		return s.fire(evFail)
	case signaling.SessionTrack:
		if se.Track == nil {
			return false
		}
		s.remote.AddTrack(se.Track)
		s.logger.Debug().Str("track_id", se.Track.ID()).Str("kind", se.Track.Kind().String()).Msg("Получен удаленный трек")
		return true
	}
	return false
}

// SetMuted включает или выключает передачу медиа вида kind на уровне сессии
func (s *Session) SetMuted(kind media_gate.Kind, muted bool) error {
	if s.Status().IsTerminal() {
		return phoneerr.New(phoneerr.CodeNoActiveCall, "вызов уже завершен")
	}
	kinds := signaling.MediaKinds{Audio: kind == media_gate.KindAudio, Video: kind == media_gate.KindVideo}
	if muted {
		return s.handle.Mute(kinds)
	}
	return s.handle.Unmute(kinds)
}

// Close останавливает пересылку событий и таймер. Локальный поток не
// останавливается: им владеет media_gate.Gate.
func (s *Session) Close() {
	s.stopTimer()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Info снимок вызова
func (s *Session) Info() Info {
	return s.info
}

func (s *Session) ID() string {
	return s.info.ID
}

func (s *Session) Status() Status {
	return Status(s.sm.Current())
}

// LocalStream поток, привязанный к вызову, или nil
func (s *Session) LocalStream() *media_gate.Stream {
	return s.local
}

// RemoteStream удаленный поток или nil, пока не пришел ни один трек
func (s *Session) RemoteStream() *media_gate.Stream {
	if s.remote == nil || s.remote.Len() == 0 {
		return nil
	}
	return s.remote
}

// Handle сессия библиотеки
func (s *Session) Handle() signaling.Session {
	return s.handle
}
