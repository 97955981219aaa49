package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/signaling"
)

const sessionEventBuffer = 32

type sessionState int

const (
	stateRinging sessionState = iota
	stateAnswering
	stateAnswered
	stateEnded
)

// localSender отправитель локальной дорожки и сама дорожка для Unmute
type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// trackLocalProvider дорожка захвата, которую можно отдать в PeerConnection
type trackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// session вызов: SIP диалог sipgo и PeerConnection
type session struct {
	u         *userAgent
	id        string
	callID    string
	direction signaling.Direction
	remote    string
	video     bool
	logger    zerolog.Logger

	pc      *webrtc.PeerConnection
	senders map[media_gate.Kind][]localSender

	clientDialog *sipgo.DialogClientSession
	answerCtx    context.Context
	answerCancel context.CancelFunc

	serverDialog *sipgo.DialogServerSession
	inviteTx     sip.ServerTransaction
	offer        []byte

	mu        sync.Mutex
	state     sessionState
	confirmed bool
	closed    bool
	events    chan signaling.SessionEvent
	tracks    []*remoteTrack
}

var _ signaling.Session = (*session)(nil)

func newSession(u *userAgent, direction signaling.Direction, remote string) (*session, error) {
	pc, err := u.lib.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания PeerConnection: %w", err)
	}
	id := uuid.NewString()
	s := &session{
		u:         u,
		id:        id,
		direction: direction,
		remote:    remote,
		logger: u.logger.With().
			Str("session", id).
			Str("direction", string(direction)).
			Str("remote", remote).
			Logger(),
		pc:      pc,
		senders: make(map[media_gate.Kind][]localSender),
		events:  make(chan signaling.SessionEvent, sessionEventBuffer),
	}
	s.answerCtx, s.answerCancel = context.WithCancel(context.Background())

	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug().Str("state", state.String()).Msg("Состояние PeerConnection")
		if state == webrtc.PeerConnectionStateFailed {
			go s.hangup(signaling.TerminateOptions{}, signaling.SessionFailed,
				signaling.CauseConnectionError, signaling.OriginatorSystem)
		}
	})
	return s, nil
}

func (s *session) ID() string                     { return s.id }
func (s *session) Direction() signaling.Direction { return s.direction }
func (s *session) RemoteIdentity() string         { return s.remote }
func (s *session) HasVideo() bool                 { return s.video }

func (s *session) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateEnded
}

func (s *session) Events() <-chan signaling.SessionEvent {
	return s.events
}

// attachLocal добавляет локальные дорожки. withRecv добавляет прием
// для запрошенных видов, которых нет в потоке.
func (s *session) attachLocal(stream *media_gate.Stream, constraints media_gate.Constraints, withRecv bool) error {
	if stream != nil {
		for _, t := range stream.Tracks() {
			provider, ok := t.(trackLocalProvider)
			if !ok {
				continue
			}
			local := provider.TrackLocal()
			sender, err := s.pc.AddTrack(local)
			if err != nil {
				return fmt.Errorf("ошибка добавления дорожки %s: %w", t.ID(), err)
			}
			s.senders[t.Kind()] = append(s.senders[t.Kind()], localSender{sender: sender, track: local})
			go drainRTCP(sender)
		}
	}
	if !withRecv {
		return nil
	}

	want := map[media_gate.Kind]bool{
		media_gate.KindAudio: true,
		media_gate.KindVideo: constraints.Video,
	}
	for kind, needed := range want {
		if !needed || len(s.senders[kind]) > 0 {
			continue
		}
		codecType := webrtc.RTPCodecTypeAudio
		if kind == media_gate.KindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if _, err := s.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("ошибка добавления приемника %s: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP читает RTCP отправителя, иначе интерсепторы не обрабатывают отчеты
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *session) createOffer(ctx context.Context) ([]byte, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания offer: %w", err)
	}
	return s.applyLocal(ctx, offer)
}

func (s *session) createAnswer(ctx context.Context) ([]byte, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания answer: %w", err)
	}
	return s.applyLocal(ctx, answer)
}

// applyLocal устанавливает локальное описание и ждет сбора кандидатов:
// SIP не передает кандидаты отдельно.
func (s *session) applyLocal(ctx context.Context, desc webrtc.SessionDescription) ([]byte, error) {
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("ошибка установки локального SDP: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.u.lib.opts.GatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		s.logger.Warn().Msg("Сбор ICE кандидатов не завершен, отправляем собранные")
	}
	return []byte(s.pc.LocalDescription().SDP), nil
}

// waitAnswer ждет окончательного ответа на исходящий INVITE
func (s *session) waitAnswer() {
	authUser := s.u.cfg.AuthorizationUser
	if authUser == "" {
		authUser = s.u.aor.User
	}
	err := s.clientDialog.WaitAnswer(s.answerCtx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if res.StatusCode == sip.StatusRinging || res.StatusCode == 183 {
				s.emit(signaling.SessionEvent{Type: signaling.SessionProgress, Originator: signaling.OriginatorRemote})
			}
			return nil
		},
		Username: authUser,
		Password: s.u.cfg.Password,
	})
	if err != nil {
		if s.IsEnded() {
			return
		}
		var dialogErr *sipgo.ErrDialogResponse
		if errors.As(err, &dialogErr) {
			s.logger.Info().Int("status", int(dialogErr.Res.StatusCode)).Str("reason", dialogErr.Res.Reason).Msg("Вызов отклонен")
			s.finish(signaling.SessionFailed, signaling.CauseFromStatus(int(dialogErr.Res.StatusCode)), signaling.OriginatorRemote)
			return
		}
		s.logger.Warn().Err(err).Msg("Ошибка ожидания ответа")
		s.finish(signaling.SessionFailed, signaling.CauseConnectionError, signaling.OriginatorSystem)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.u.lib.opts.ByeTimeout)
	defer cancel()

	if err := s.clientDialog.Ack(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Ошибка отправки ACK")
	}
	// отмена могла разминуться с 200 OK
	if s.IsEnded() {
		if err := s.clientDialog.Bye(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("Ошибка отправки BYE")
		}
		return
	}

	answer := s.clientDialog.InviteResponse.Body()
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(answer),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Некорректный SDP ответа")
		if err := s.clientDialog.Bye(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("Ошибка отправки BYE")
		}
		s.finish(signaling.SessionFailed, signaling.CauseBadMediaDescription, signaling.OriginatorLocal)
		return
	}
	s.video = s.video && hasVideo(answer)

	s.mu.Lock()
	s.state = stateAnswered
	s.confirmed = true
	s.mu.Unlock()

	s.emit(signaling.SessionEvent{Type: signaling.SessionAccepted, Originator: signaling.OriginatorRemote})
	s.emit(signaling.SessionEvent{Type: signaling.SessionConfirmed, Originator: signaling.OriginatorLocal})
}

// watchRinging отслеживает отмену входящего вызова до ответа
func (s *session) watchRinging() {
	select {
	case <-s.inviteTx.Done():
	case <-s.answerCtx.Done():
		return
	}
	s.mu.Lock()
	ringing := s.state == stateRinging
	if ringing {
		s.state = stateEnded
	}
	s.mu.Unlock()
	if ringing {
		s.finish(signaling.SessionFailed, signaling.CauseCanceled, signaling.OriginatorRemote)
	}
}

// Answer принимает входящий вызов
func (s *session) Answer(ctx context.Context, opts signaling.AnswerOptions) error {
	s.mu.Lock()
	if s.direction != signaling.DirectionIncoming || s.state != stateRinging {
		s.mu.Unlock()
		return errors.New("ответить можно только на входящий вызов до ответа")
	}
	s.state = stateAnswering
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(s.offer),
	}); err != nil {
		s.reject(488, "Not Acceptable Here")
		s.finish(signaling.SessionFailed, signaling.CauseBadMediaDescription, signaling.OriginatorLocal)
		return fmt.Errorf("некорректный SDP предложения: %w", err)
	}
	if err := s.attachLocal(opts.LocalStream, opts.Constraints, false); err != nil {
		s.reject(500, "Server Internal Error")
		s.finish(signaling.SessionFailed, signaling.CauseUserDeniedMedia, signaling.OriginatorLocal)
		return err
	}
	answer, err := s.createAnswer(ctx)
	if err != nil {
		s.reject(500, "Server Internal Error")
		s.finish(signaling.SessionFailed, signaling.CauseBadMediaDescription, signaling.OriginatorLocal)
		return err
	}

	s.mu.Lock()
	if s.state != stateAnswering {
		s.mu.Unlock()
		return errors.New("вызов завершен до ответа")
	}
	s.mu.Unlock()

	if err := s.serverDialog.Respond(sip.StatusOK, "OK", answer,
		sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		s.finish(signaling.SessionFailed, signaling.CauseConnectionError, signaling.OriginatorSystem)
		return fmt.Errorf("ошибка отправки 200 OK: %w", err)
	}

	s.mu.Lock()
	s.state = stateAnswered
	s.mu.Unlock()
	s.video = s.video && opts.Constraints.Video

	s.logger.Info().Msg("Вызов принят")
	s.emit(signaling.SessionEvent{Type: signaling.SessionAccepted, Originator: signaling.OriginatorLocal})
	return nil
}

// ackReceived подтверждение ответа на входящий вызов
func (s *session) ackReceived() {
	s.mu.Lock()
	first := s.state == stateAnswered && !s.confirmed
	s.confirmed = true
	s.mu.Unlock()
	if first {
		s.emit(signaling.SessionEvent{Type: signaling.SessionConfirmed, Originator: signaling.OriginatorRemote})
	}
}

func reasonPhrase(code int) string {
	switch code {
	case signaling.StatusBusyHere:
		return signaling.ReasonBusyHere
	case signaling.StatusDecline:
		return signaling.ReasonDecline
	case signaling.StatusUnavailable:
		return "Temporarily Unavailable"
	case 408:
		return "Request Timeout"
	default:
		return "Request Terminated"
	}
}

func (s *session) reject(code int, reason string) {
	if s.serverDialog == nil {
		return
	}
	if err := s.serverDialog.Respond(code, reason, nil); err != nil {
		s.logger.Debug().Err(err).Int("status", code).Msg("Ошибка отправки отказа")
	}
}

// Terminate завершает вызов: CANCEL до ответа на исходящий, отказ на
// входящий, BYE после ответа.
func (s *session) Terminate(opts signaling.TerminateOptions) error {
	cause := signaling.CauseBye
	s.mu.Lock()
	switch s.state {
	case stateRinging, stateAnswering:
		if s.direction == signaling.DirectionOutgoing {
			cause = signaling.CauseCanceled
		} else {
			cause = signaling.CauseRejected
		}
	}
	s.mu.Unlock()
	s.hangup(opts, signaling.SessionEnded, cause, signaling.OriginatorLocal)
	return nil
}

// remoteEnded удаленная сторона завершила вызов
func (s *session) remoteEnded(cause string) {
	s.mu.Lock()
	if s.state == stateEnded {
		s.mu.Unlock()
		return
	}
	s.state = stateEnded
	s.mu.Unlock()
	s.finish(signaling.SessionEnded, cause, signaling.OriginatorRemote)
}

func (s *session) hangup(opts signaling.TerminateOptions, evt signaling.SessionEventType, cause string, originator signaling.Originator) {
	s.mu.Lock()
	prev := s.state
	if prev == stateEnded {
		s.mu.Unlock()
		return
	}
	s.state = stateEnded
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.u.lib.opts.ByeTimeout)
	defer cancel()

	switch {
	case prev == stateAnswered:
		var err error
		if s.clientDialog != nil {
			err = s.clientDialog.Bye(ctx)
		} else if s.serverDialog != nil {
			err = s.serverDialog.Bye(ctx)
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("Ошибка отправки BYE")
		}
	case s.direction == signaling.DirectionOutgoing:
		// WaitAnswer отправляет CANCEL при отмене контекста
		s.answerCancel()
	default:
		code, reason := opts.StatusCode, opts.Reason
		if code == 0 {
			code = signaling.StatusUnavailable
		}
		if reason == "" {
			reason = reasonPhrase(code)
		}
		s.reject(code, reason)
	}
	s.finish(evt, cause, originator)
}

// finish отправляет последнее событие, закрывает поток событий и PeerConnection
func (s *session) finish(evt signaling.SessionEventType, cause string, originator signaling.Originator) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = stateEnded
	s.closed = true
	select {
	case s.events <- signaling.SessionEvent{Type: evt, Cause: cause, Originator: originator}:
	default:
		s.logger.Warn().Str("type", string(evt)).Msg("Очередь событий сессии переполнена")
	}
	close(s.events)
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	s.answerCancel()
	for _, t := range tracks {
		t.Stop()
	}
	s.closePeer()
	s.u.forget(s)
	s.logger.Info().Str("event", string(evt)).Str("cause", cause).Str("originator", string(originator)).Msg("Сессия завершена")
}

func (s *session) closePeer() {
	if err := s.pc.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Ошибка закрытия PeerConnection")
	}
}

func (s *session) emit(evt signaling.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.logger.Warn().Str("type", string(evt.Type)).Msg("Очередь событий сессии переполнена")
	}
}

// Mute прекращает отправку выбранных видов медиа
func (s *session) Mute(kinds signaling.MediaKinds) error {
	return s.replaceTracks(kinds, true)
}

// Unmute возобновляет отправку
func (s *session) Unmute(kinds signaling.MediaKinds) error {
	return s.replaceTracks(kinds, false)
}

func (s *session) replaceTracks(kinds signaling.MediaKinds, mute bool) error {
	if s.IsEnded() {
		return errors.New("сессия завершена")
	}
	selected := make([]media_gate.Kind, 0, 2)
	if kinds.Audio {
		selected = append(selected, media_gate.KindAudio)
	}
	if kinds.Video {
		selected = append(selected, media_gate.KindVideo)
	}
	for _, kind := range selected {
		for _, ls := range s.senders[kind] {
			var track webrtc.TrackLocal
			if !mute {
				track = ls.track
			}
			if err := ls.sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("ошибка замены дорожки %s: %w", kind, err)
			}
		}
	}
	return nil
}

func (s *session) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t := newRemoteTrack(remote)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()

	s.logger.Debug().Str("kind", string(t.Kind())).Str("codec", remote.Codec().MimeType).Msg("Получена удаленная дорожка")
	s.emit(signaling.SessionEvent{Type: signaling.SessionTrack, Originator: signaling.OriginatorRemote, Track: t})
	go t.drain()
}
