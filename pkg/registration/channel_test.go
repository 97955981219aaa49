package registration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/mockSignaling"
)

// ChannelTestSuite тесты канала регистрации поверх mockSignaling
type ChannelTestSuite struct {
	suite.Suite

	ctx    context.Context
	lib    *mockSignaling.Library
	events chan Event
	ch     *Channel
	cfg    Config
}

func (s *ChannelTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.lib = mockSignaling.NewLibrary()
	s.events = make(chan Event, 64)
	s.ch = NewChannel(s.lib, func(ctx context.Context, evt Event) {
		select {
		case s.events <- evt:
		case <-ctx.Done():
		}
	}, DefaultOptions())

	cfg, err := NewConfig("1001", "secret", "wss://pbx.example.com:8089/ws")
	s.Require().NoError(err)
	s.cfg = cfg
}

func (s *ChannelTestSuite) TearDownTest() {
	s.ch.Disconnect(s.ctx)
}

// next ждет следующее событие от агента и применяет его
func (s *ChannelTestSuite) next() (Transition, bool) {
	select {
	case evt := <-s.events:
		return s.ch.HandleEvent(s.ctx, evt)
	case <-time.After(time.Second):
		s.FailNow("событие агента не получено")
		return Transition{}, false
	}
}

func (s *ChannelTestSuite) TestRegistrationHappyPath() {
	s.Equal(StateDisconnected, s.ch.State())

	tr, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	s.Equal(StateDisconnected, tr.From)
	s.Equal(StateConnecting, s.ch.State())

	ua := s.lib.LastAgent()
	s.Require().NotNil(ua)
	s.True(ua.Started())

	uaCfg := ua.Config()
	s.Equal("sip:1001@pbx.example.com", uaCfg.URI)
	s.Equal("1001", uaCfg.AuthorizationUser)
	s.Equal("1001", uaCfg.DisplayName)
	s.True(uaCfg.Register)
	s.True(uaCfg.SessionTimers)
	s.Equal(60*time.Second, uaCfg.NoAnswerTimeout)

	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	tr, ok := s.next()
	s.True(ok)
	s.Equal(StateTransportConnected, tr.To)

	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	tr, ok = s.next()
	s.True(ok)
	s.Equal(StateRegistered, tr.To)
	s.Nil(s.ch.LastError())

	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventUnregistered, Cause: "Expired"}))
	tr, ok = s.next()
	s.True(ok)
	s.Equal(StateUnregistered, tr.To)
	s.Equal("Expired", s.ch.LastCause())
}

func (s *ChannelTestSuite) TestRegistrationRejected() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventRegistrationFailed, Cause: signaling.CauseAuthenticationError}))
	tr, ok := s.next()
	s.True(ok)
	s.Equal(StateRegistrationFailed, tr.To)
	s.Equal(signaling.CauseAuthenticationError, tr.Cause)
	s.ErrorIs(s.ch.LastError(), phoneerr.ErrRegistrationRejected)
}

func (s *ChannelTestSuite) TestRejectedNotRecoveredByLateRegistered() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventRegistrationFailed, Cause: signaling.CauseRejected}))
	s.next()
	s.Require().Equal(StateRegistrationFailed, s.ch.State())

	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	_, ok := s.next()
	s.False(ok, "registrationFailed снимается только новым Connect")
	s.Equal(StateRegistrationFailed, s.ch.State())
	s.ErrorIs(s.ch.LastError(), phoneerr.ErrRegistrationRejected, "ошибка отказа сохраняется")
	s.Equal(signaling.CauseRejected, s.ch.LastCause())

	s.Require().NoError(ua.EmitType(signaling.EventConnecting))
	_, ok = s.next()
	s.False(ok)
	s.Equal(StateRegistrationFailed, s.ch.State())

	_, err = s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua = s.lib.LastAgent()
	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	tr, ok := s.next()
	s.True(ok)
	s.Equal(StateRegistered, tr.To)
	s.Nil(s.ch.LastError())
}

func (s *ChannelTestSuite) TestUnregisteredReconnectsThroughConnecting() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	s.next()
	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventUnregistered, Cause: signaling.CauseConnectionError}))
	s.next()

	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	_, ok := s.next()
	s.False(ok, "повторная регистрация идет через открытие транспорта")
	s.Equal(StateUnregistered, s.ch.State())

	s.Require().NoError(ua.EmitType(signaling.EventConnecting))
	tr, ok := s.next()
	s.True(ok)
	s.Equal(StateConnecting, tr.To)
}

func (s *ChannelTestSuite) TestTransportLossFromAnyState() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	s.next()

	s.Require().NoError(ua.Emit(signaling.Event{Type: signaling.EventDisconnected, Err: errors.New("EOF")}))
	tr, ok := s.next()
	s.True(ok)
	s.Equal(StateDisconnected, tr.To)
	s.ErrorIs(s.ch.LastError(), phoneerr.ErrTransportFailure)
}

func (s *ChannelTestSuite) TestInvalidEventIgnored() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	// unregistered возможен только из registered
	s.Require().NoError(ua.EmitType(signaling.EventUnregistered))
	_, ok := s.next()
	s.False(ok)
	s.Equal(StateConnecting, s.ch.State())
}

func (s *ChannelTestSuite) TestReconnectTearsDownPreviousAgent() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	first := s.lib.LastAgent()
	firstGen := s.ch.Generation()

	other, err := NewConfig("1002", "secret", "wss://pbx2.example.com")
	s.Require().NoError(err)
	_, err = s.ch.Connect(s.ctx, other)
	s.Require().NoError(err)

	second := s.lib.LastAgent()
	s.NotSame(first, second)
	s.True(first.Stopped(), "прежний агент должен быть остановлен до запуска нового")
	s.Equal(StateConnecting, s.ch.State())
	s.Equal("sip:1002@pbx2.example.com", s.ch.Config().URI)

	// запоздалое событие прежнего соединения не должно регистрировать канал
	_, ok := s.ch.HandleEvent(s.ctx, Event{Generation: firstGen, Event: signaling.Event{Type: signaling.EventRegistered}})
	s.False(ok)
	s.Equal(StateConnecting, s.ch.State())
}

func (s *ChannelTestSuite) TestLibraryUnavailable() {
	s.lib.SetLoaded(false)

	tr, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().Error(err)
	s.ErrorIs(err, phoneerr.ErrSignalingLibraryUnavailable)
	s.Equal(StateError, tr.To)
	s.Equal(StateError, s.ch.State())
	s.Empty(s.lib.Agents(), "агент не должен создаваться")
	s.Require().NotNil(s.ch.Config())
	s.Equal("sip:1001@pbx.example.com", s.ch.Config().URI)
}

func (s *ChannelTestSuite) TestLibraryUnavailableReplacesConfig() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	first := s.lib.LastAgent()
	s.Require().NoError(first.EmitType(signaling.EventConnected))
	s.next()
	s.Require().NoError(first.EmitType(signaling.EventRegistered))
	s.next()

	other, err := NewConfig("2002", "secret", "wss://pbx.example.com:8089/ws")
	s.Require().NoError(err)
	s.lib.SetLoaded(false)

	_, err = s.ch.Connect(s.ctx, other)
	s.ErrorIs(err, phoneerr.ErrSignalingLibraryUnavailable)
	s.Equal(StateError, s.ch.State())
	s.True(first.Stopped())
	s.Require().NotNil(s.ch.Config())
	s.Equal("sip:2002@pbx.example.com", s.ch.Config().URI, "конфигурация заменяется целиком")
	s.Nil(s.ch.UserAgent())
}

func (s *ChannelTestSuite) TestStartFailure() {
	s.lib.FailNewUserAgent(errors.New("dial tcp: connection refused"))

	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().Error(err)
	s.ErrorIs(err, phoneerr.ErrTransportFailure)
	s.Equal(StateError, s.ch.State())
}

func (s *ChannelTestSuite) TestDisconnectIsIdempotent() {
	_, err := s.ch.Connect(s.ctx, s.cfg)
	s.Require().NoError(err)
	ua := s.lib.LastAgent()

	_, ok := s.ch.Disconnect(s.ctx)
	s.True(ok)
	s.Equal(StateDisconnected, s.ch.State())
	s.True(ua.Stopped())
	s.Nil(s.ch.Config())
	s.Nil(s.ch.UserAgent())

	_, ok = s.ch.Disconnect(s.ctx)
	s.False(ok, "повторное отключение не меняет состояние")
	s.Equal(StateDisconnected, s.ch.State())
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func TestEventsAfterDisconnectAreDropped(t *testing.T) {
	lib := mockSignaling.NewLibrary()
	ch := NewChannel(lib, nil, DefaultOptions())
	cfg, err := NewConfig("1001", "", "ws://127.0.0.1:8088/ws")
	require.NoError(t, err)

	_, err = ch.Connect(context.Background(), cfg)
	require.NoError(t, err)
	gen := ch.Generation()
	ch.Disconnect(context.Background())

	_, ok := ch.HandleEvent(context.Background(), Event{Generation: gen, Event: signaling.Event{Type: signaling.EventConnected}})
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, ch.State())
}
