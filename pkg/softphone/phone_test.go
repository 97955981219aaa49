package softphone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/webphone/pkg/call"
	"github.com/arzzra/webphone/pkg/contacts"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/registration"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/mockSignaling"
)

// fakeCapturer выдает поток из двух треков или ошибку
type fakeCapturer struct {
	err    error
	tracks []*media_gate.BasicTrack
}

func (f *fakeCapturer) GetUserMedia(ctx context.Context, c media_gate.Constraints) (*media_gate.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tracks = []*media_gate.BasicTrack{
		media_gate.NewBasicTrack("mic", media_gate.KindAudio, nil),
		media_gate.NewBasicTrack("cam", media_gate.KindVideo, nil),
	}
	return media_gate.NewStream("local", f.tracks[0], f.tracks[1]), nil
}

// PhoneTestSuite тесты оркестратора поверх mockSignaling
type PhoneTestSuite struct {
	suite.Suite

	ctx      context.Context
	lib      *mockSignaling.Library
	capturer *fakeCapturer
	registry *prometheus.Registry
	phone    *Phone
	cfg      registration.Config
}

func (s *PhoneTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.lib = mockSignaling.NewLibrary()
	s.capturer = &fakeCapturer{}
	s.registry = prometheus.NewRegistry()

	s.phone = s.newPhone(DefaultConfig())

	cfg, err := registration.NewConfig("1001", "secret", "wss://pbx.example.com:8089/ws")
	s.Require().NoError(err)
	s.cfg = cfg
}

func (s *PhoneTestSuite) newPhone(cfg Config) *Phone {
	cfg.Registerer = s.registry
	p, err := New(s.lib, s.capturer, cfg)
	s.Require().NoError(err)
	return p
}

func (s *PhoneTestSuite) TearDownTest() {
	s.Require().NoError(s.phone.Close(s.ctx))
}

// waitFor ждет снимок, удовлетворяющий cond
func (s *PhoneTestSuite) waitFor(cond func(st State) bool, msg string) State {
	s.Require().Eventually(func() bool {
		return cond(s.phone.State())
	}, 2*time.Second, 5*time.Millisecond, msg)
	return s.phone.State()
}

// register подключает софтфон и доводит регистрацию до конца
func (s *PhoneTestSuite) register() *mockSignaling.UserAgent {
	s.Require().NoError(s.phone.Connect(s.ctx, s.cfg))
	ua := s.lib.LastAgent()
	s.Require().NotNil(ua)
	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	s.waitFor(State.Registered, "регистрация не завершилась")
	return ua
}

func callStatus(status call.Status) func(State) bool {
	return func(st State) bool {
		return st.ActiveCall != nil && st.ActiveCall.Status == status
	}
}

func noCall(st State) bool {
	return st.ActiveCall == nil
}

func (s *PhoneTestSuite) TestConnectLifecycle() {
	st := s.phone.State()
	s.Equal(registration.StateDisconnected, st.RegistrationState)
	s.Nil(st.RegistrationConfig)

	s.Require().NoError(s.phone.Connect(s.ctx, s.cfg))
	st = s.phone.State()
	s.Equal(registration.StateConnecting, st.RegistrationState)
	s.Require().NotNil(st.RegistrationConfig)
	s.Equal("sip:1001@pbx.example.com", st.RegistrationConfig.URI)

	ua := s.lib.LastAgent()
	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.waitFor(func(st State) bool { return st.RegistrationState == registration.StateTransportConnected }, "транспорт")

	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventRegistrationFailed, Cause: signaling.CauseAuthenticationError}))
	st = s.waitFor(func(st State) bool { return st.RegistrationState == registration.StateRegistrationFailed }, "отказ регистрации")
	s.Require().NotNil(st.LastError)
	s.Equal(phoneerr.CodeRegistrationRejected, st.LastError.Code)
	s.Equal(signaling.CauseAuthenticationError, st.RegistrationCause)

	s.Equal(1.0, testutil.ToFloat64(s.phone.metrics.registrationTransitions.WithLabelValues("registrationFailed")))
}

func (s *PhoneTestSuite) TestConnectWithoutLibrary() {
	s.lib.SetLoaded(false)

	err := s.phone.Connect(s.ctx, s.cfg)
	s.ErrorIs(err, phoneerr.ErrSignalingLibraryUnavailable)

	st := s.phone.State()
	s.Equal(registration.StateError, st.RegistrationState)
	s.Require().NotNil(st.LastError)
	s.Equal(phoneerr.CodeSignalingLibraryUnavailable, st.LastError.Code)
}

func (s *PhoneTestSuite) TestReconnectWithoutLibraryReportsNewConfig() {
	first := s.register()

	other, err := registration.NewConfig("2002", "secret", "wss://pbx.example.com:8089/ws")
	s.Require().NoError(err)
	s.lib.SetLoaded(false)

	err = s.phone.Connect(s.ctx, other)
	s.ErrorIs(err, phoneerr.ErrSignalingLibraryUnavailable)
	s.True(first.Stopped())

	st := s.phone.State()
	s.Equal(registration.StateError, st.RegistrationState)
	s.Require().NotNil(st.RegistrationConfig)
	s.Equal("sip:2002@pbx.example.com", st.RegistrationConfig.URI, "состояние строится только по новой конфигурации")
}

func (s *PhoneTestSuite) TestReconnectIgnoresPreviousAgent() {
	first := s.register()

	other, err := registration.NewConfig("1002", "secret", "wss://pbx2.example.com")
	s.Require().NoError(err)
	s.Require().NoError(s.phone.Connect(s.ctx, other))

	s.True(first.Stopped())
	st := s.phone.State()
	s.Equal(registration.StateConnecting, st.RegistrationState)
	s.Equal("sip:1002@pbx2.example.com", st.RegistrationConfig.URI)

	s.Error(first.EmitType(signaling.EventRegistered), "остановленный агент не доставляет события")
	time.Sleep(20 * time.Millisecond)
	s.Equal(registration.StateConnecting, s.phone.State().RegistrationState)
}

func (s *PhoneTestSuite) TestDialRequiresRegistration() {
	err := s.phone.Dial(s.ctx, "1002", DialOptions{Video: true})
	s.ErrorIs(err, phoneerr.ErrNotRegistered)
	s.Nil(s.phone.State().ActiveCall)
}

func (s *PhoneTestSuite) TestDialPermissionDenied() {
	ua := s.register()
	s.capturer.err = errors.New("NotAllowedError")

	err := s.phone.Dial(s.ctx, "1002", DialOptions{Video: true})
	s.ErrorIs(err, phoneerr.ErrPermissionDenied)

	st := s.phone.State()
	s.Nil(st.ActiveCall)
	s.False(st.PermissionGranted)
	s.Equal(media_gate.PermissionDenied, st.Permission)
	s.Require().NotNil(st.LastError)
	s.Equal(phoneerr.CodePermissionDenied, st.LastError.Code)
	s.Empty(ua.Calls(), "вызов не должен начинаться без разрешения")
}

func (s *PhoneTestSuite) TestOutgoingCallLifecycle() {
	ua := s.register()

	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{Video: true}))

	st := s.phone.State()
	s.Require().NotNil(st.ActiveCall)
	s.Equal(call.StatusInitiating, st.ActiveCall.Status)
	s.Equal(signaling.DirectionOutgoing, st.ActiveCall.Direction)
	s.True(st.PermissionGranted, "разрешение запрашивается автоматически")
	s.NotNil(st.LocalStream)

	calls := ua.Calls()
	s.Require().Len(calls, 1)
	s.Equal("sip:1002@pbx.example.com", calls[0].Target)
	s.True(calls[0].Options.Constraints.Video)
	s.Same(st.LocalStream, calls[0].Options.LocalStream)

	handle := ua.LastCall()
	s.Require().NoError(handle.EmitType(signaling.SessionProgress))
	s.waitFor(callStatus(call.StatusRinging), "ringing")

	s.Require().NoError(handle.EmitType(signaling.SessionAccepted))
	s.waitFor(callStatus(call.StatusAnswered), "answered")

	s.Require().NoError(handle.Emit(signaling.SessionEvent{Type: signaling.SessionTrack,
		Track: media_gate.NewBasicTrack("ra", media_gate.KindAudio, nil)}))
	s.Require().NoError(handle.Emit(signaling.SessionEvent{Type: signaling.SessionTrack,
		Track: media_gate.NewBasicTrack("rv", media_gate.KindVideo, nil)}))
	st = s.waitFor(func(st State) bool {
		return st.RemoteStream != nil && st.RemoteStream.Len() == 2
	}, "удаленные треки должны объединиться в один поток")
	s.True(st.RemoteStream.HasKind(media_gate.KindAudio))

	s.Require().NoError(handle.Emit(signaling.SessionEvent{Type: signaling.SessionEnded, Cause: signaling.CauseBye, Originator: signaling.OriginatorRemote}))
	st = s.waitFor(noCall, "вызов должен быть снят со слота")
	s.Nil(st.RemoteStream)
	s.NotNil(st.LocalStream, "локальный поток сохраняется до отключения")

	records := s.phone.History().List(history.Filter{})
	s.Require().Len(records, 1)
	s.Equal(history.OutcomeAnswered, records[0].Outcome)
	s.Equal(history.TypeVideo, records[0].Type)
	s.Equal(1.0, testutil.ToFloat64(s.phone.metrics.callsTotal.WithLabelValues("outgoing", "answered")))
	s.Equal(2.0, testutil.ToFloat64(s.phone.metrics.remoteTracks.WithLabelValues("audio"))+
		testutil.ToFloat64(s.phone.metrics.remoteTracks.WithLabelValues("video")))
}

func (s *PhoneTestSuite) TestDialWhileCallInProgress() {
	ua := s.register()
	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{}))
	first := s.phone.State().ActiveCall

	err := s.phone.Dial(s.ctx, "1003", DialOptions{})
	s.ErrorIs(err, phoneerr.ErrCallAlreadyInProgress)
	s.Len(ua.Calls(), 1)
	s.Equal(first.ID, s.phone.State().ActiveCall.ID, "существующий вызов не меняется")
}

func (s *PhoneTestSuite) TestCallInitiationFailure() {
	ua := s.register()
	ua.FailCall(errors.New("ws closed"))

	err := s.phone.Dial(s.ctx, "1002", DialOptions{})
	s.ErrorIs(err, phoneerr.ErrCallInitiationFailed)
	st := s.phone.State()
	s.Nil(st.ActiveCall)
	s.Require().NotNil(st.LastError)
	s.Equal(phoneerr.CodeCallInitiationFailed, st.LastError.Code)
}

func (s *PhoneTestSuite) TestIncomingAnswerAndHangUp() {
	ua := s.register()

	in, err := ua.Ring("alice", true)
	s.Require().NoError(err)
	st := s.waitFor(callStatus(call.StatusRinging), "входящий вызов")
	s.Equal(signaling.DirectionIncoming, st.ActiveCall.Direction)
	s.Equal("alice", st.ActiveCall.RemoteIdentity)

	s.Require().NoError(s.phone.Answer(s.ctx))
	st = s.phone.State()
	s.Equal(call.StatusAnswered, st.ActiveCall.Status)
	s.True(st.PermissionGranted)
	answers := in.Answers()
	s.Require().Len(answers, 1)
	s.True(answers[0].Constraints.Video)
	local := st.LocalStream
	s.Require().NotNil(local)

	s.Require().NoError(in.Emit(signaling.SessionEvent{Type: signaling.SessionTrack,
		Track: media_gate.NewBasicTrack("ra", media_gate.KindAudio, nil)}))
	s.Require().NoError(in.Emit(signaling.SessionEvent{Type: signaling.SessionTrack,
		Track: media_gate.NewBasicTrack("rv", media_gate.KindVideo, nil)}))
	st = s.waitFor(func(st State) bool {
		return st.RemoteStream != nil && st.RemoteStream.Len() == 2
	}, "удаленные треки приходят после ответа")
	s.True(st.RemoteStream.HasKind(media_gate.KindAudio))
	s.True(st.RemoteStream.HasKind(media_gate.KindVideo))
	s.Same(local, st.LocalStream, "локальный поток сохраняется")
	s.Equal(call.StatusAnswered, st.ActiveCall.Status)

	s.Require().NoError(s.phone.HangUp(s.ctx))
	s.Nil(s.phone.State().ActiveCall, "слот освобождается сразу")
	s.Eventually(func() bool {
		terms := in.Terminations()
		return len(terms) == 1 && terms[0].StatusCode == 0
	}, time.Second, 5*time.Millisecond)
}

func (s *PhoneTestSuite) TestDeclineIncoming() {
	_, err := s.phone.Contacts().Add(contacts.Contact{Name: "Alice Wonderland", Number: "sip:alice@pbx.example.com"})
	s.Require().NoError(err)
	ua := s.register()
	in, err := ua.Ring("alice", false)
	s.Require().NoError(err)
	s.waitFor(callStatus(call.StatusRinging), "входящий вызов")

	s.Require().NoError(s.phone.HangUp(s.ctx))
	s.Nil(s.phone.State().ActiveCall)
	s.Eventually(func() bool {
		terms := in.Terminations()
		return len(terms) == 1 && terms[0].StatusCode == signaling.StatusBusyHere && terms[0].Reason == signaling.ReasonBusyHere
	}, time.Second, 5*time.Millisecond)

	records := s.phone.History().List(history.Filter{})
	s.Require().Len(records, 1)
	s.Equal(history.OutcomeDeclined, records[0].Outcome)
	s.Equal("Alice Wonderland", records[0].ContactName, "имя берется из адресной книги")
	s.Equal("alice", records[0].ContactNumber)
}

func (s *PhoneTestSuite) TestSecondIncomingRejectedAsBusy() {
	ua := s.register()
	_, err := ua.Ring("alice", false)
	s.Require().NoError(err)
	first := s.waitFor(callStatus(call.StatusRinging), "первый вызов").ActiveCall

	second, err := ua.Ring("bob", false)
	s.Require().NoError(err)
	s.Eventually(func() bool {
		terms := second.Terminations()
		return len(terms) == 1 && terms[0].StatusCode == signaling.StatusBusyHere
	}, time.Second, 5*time.Millisecond)

	s.Equal(first.ID, s.phone.State().ActiveCall.ID)
	busy := s.phone.History().List(history.Filter{Outcome: string(history.OutcomeBusy)})
	s.Require().Len(busy, 1)
	s.Equal("bob", busy[0].ContactNumber)
}

func (s *PhoneTestSuite) TestMissedIncoming() {
	ua := s.register()
	in, err := ua.Ring("alice", false)
	s.Require().NoError(err)
	s.waitFor(callStatus(call.StatusRinging), "входящий вызов")

	s.Require().NoError(in.Emit(signaling.SessionEvent{Type: signaling.SessionFailed, Cause: signaling.CauseCanceled, Originator: signaling.OriginatorRemote}))
	s.waitFor(noCall, "отмененный вызов снимается со слота")

	records := s.phone.History().List(history.Filter{})
	s.Require().Len(records, 1)
	s.Equal(history.OutcomeMissed, records[0].Outcome)
}

func (s *PhoneTestSuite) TestNoActiveCallErrors() {
	s.ErrorIs(s.phone.Answer(s.ctx), phoneerr.ErrNoActiveCall)
	s.ErrorIs(s.phone.HangUp(s.ctx), phoneerr.ErrNoActiveCall)

	ua := s.register()
	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{}))
	s.Len(ua.Calls(), 1)
}

func (s *PhoneTestSuite) TestAnswerWhileCallInProgress() {
	ua := s.register()
	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{}))
	first := s.phone.State().ActiveCall

	err := s.phone.Answer(s.ctx)
	s.ErrorIs(err, phoneerr.ErrCallAlreadyInProgress, "на исходящий вызов ответить нельзя")

	st := s.phone.State()
	s.Require().NotNil(st.ActiveCall)
	s.Equal(first.ID, st.ActiveCall.ID, "существующий вызов не меняется")
	s.Equal(call.StatusInitiating, st.ActiveCall.Status)
	s.Require().NotNil(st.LastError)
	s.Equal(phoneerr.CodeCallAlreadyInProgress, st.LastError.Code)
	s.Len(ua.Calls(), 1)
	s.Empty(ua.LastCall().Terminations())
}

func (s *PhoneTestSuite) TestToggleWithoutStreamIsNoop() {
	muted, err := s.phone.ToggleMute(s.ctx)
	s.NoError(err)
	s.False(muted)

	enabled, err := s.phone.ToggleVideo(s.ctx)
	s.NoError(err)
	s.True(enabled)
}

func (s *PhoneTestSuite) TestToggleMuteDuringCall() {
	ua := s.register()
	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{Video: true}))
	handle := ua.LastCall()
	s.Require().NoError(handle.EmitType(signaling.SessionAccepted))
	s.waitFor(callStatus(call.StatusAnswered), "answered")

	muted, err := s.phone.ToggleMute(s.ctx)
	s.Require().NoError(err)
	s.True(muted)
	s.True(s.phone.State().AudioMuted)
	s.False(s.capturer.tracks[0].Enabled())
	s.True(handle.Muted().Audio)

	enabled, err := s.phone.ToggleVideo(s.ctx)
	s.Require().NoError(err)
	s.False(enabled)
	s.False(s.phone.State().VideoEnabled)
	s.False(s.capturer.tracks[1].Enabled())
	s.True(handle.Muted().Video)

	// отказ сессии откатывает флаг трека
	handle.FailMute(errors.New("sender gone"))
	muted, err = s.phone.ToggleMute(s.ctx)
	s.Error(err)
	s.True(muted, "состояние не должно измениться")
	st := s.phone.State()
	s.True(st.AudioMuted)
	s.False(s.capturer.tracks[0].Enabled())
	s.Require().NotNil(st.LastError)
}

func (s *PhoneTestSuite) TestToggleBeforeCallAppliesOnlyToTracks() {
	s.Require().NoError(s.phone.RequestPermission(s.ctx))
	s.True(s.phone.State().PermissionGranted)

	muted, err := s.phone.ToggleMute(s.ctx)
	s.Require().NoError(err)
	s.True(muted)
	s.False(s.capturer.tracks[0].Enabled())

	muted, err = s.phone.ToggleMute(s.ctx)
	s.Require().NoError(err)
	s.False(muted)
	s.True(s.capturer.tracks[0].Enabled())
}

func (s *PhoneTestSuite) TestDisconnectClearsCallAndMedia() {
	ua := s.register()
	s.Require().NoError(s.phone.Dial(s.ctx, "1002", DialOptions{}))
	handle := ua.LastCall()

	s.Require().NoError(s.phone.Disconnect(s.ctx))
	st := s.phone.State()
	s.Equal(registration.StateDisconnected, st.RegistrationState)
	s.Nil(st.RegistrationConfig)
	s.Nil(st.ActiveCall)
	s.Nil(st.LocalStream)
	s.True(ua.Stopped())
	for _, tr := range s.capturer.tracks {
		s.True(tr.Stopped(), "локальные треки должны быть остановлены")
	}
	s.Eventually(handle.IsEnded, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.phone.Disconnect(s.ctx), "повторное отключение допустимо")
	s.Equal(registration.StateDisconnected, s.phone.State().RegistrationState)
}

func (s *PhoneTestSuite) TestSubscribeDeliversSnapshots() {
	updates, cancel := s.phone.Subscribe()
	defer cancel()

	first := <-updates
	s.Equal(registration.StateDisconnected, first.RegistrationState)

	s.Require().NoError(s.phone.Connect(s.ctx, s.cfg))
	select {
	case st := <-updates:
		s.Equal(registration.StateConnecting, st.RegistrationState)
		s.Greater(st.Revision, first.Revision)
	case <-time.After(time.Second):
		s.Fail("снимок не доставлен")
	}

	cancel()
	_, ok := <-updates
	s.False(ok, "отмена закрывает канал")
	s.NotPanics(cancel)
}

func TestPhoneSuite(t *testing.T) {
	suite.Run(t, new(PhoneTestSuite))
}

func TestNoAnswerTimeoutFailsCall(t *testing.T) {
	lib := mockSignaling.NewLibrary()
	cfg := DefaultConfig()
	cfg.NoAnswerTimeout = 30 * time.Millisecond
	p, err := New(lib, &fakeCapturer{}, cfg)
	require.NoError(t, err)
	defer p.Close(context.Background())

	regCfg, err := registration.NewConfig("1001", "", "ws://127.0.0.1:8088/ws")
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background(), regCfg))
	ua := lib.LastAgent()
	require.NoError(t, ua.EmitType(signaling.EventConnected))
	require.NoError(t, ua.EmitType(signaling.EventRegistered))
	require.Eventually(t, func() bool { return p.State().Registered() }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Dial(context.Background(), "1002", DialOptions{}))
	require.Eventually(t, func() bool {
		st := p.State()
		return st.ActiveCall == nil && st.LastError != nil
	}, time.Second, 5*time.Millisecond)

	records := p.History().List(history.Filter{})
	require.Len(t, records, 1)
	require.Equal(t, history.OutcomeFailed, records[0].Outcome)
	require.Eventually(t, func() bool { return len(ua.LastCall().Terminations()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.NoAnswerTimeout = 0
	require.ErrorIs(t, cfg.Validate(), phoneerr.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.InboxSize = 0
	_, err := New(mockSignaling.NewLibrary(), nil, cfg)
	require.Error(t, err)
}
