package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/webphone/pkg/contacts"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/media_gate"
	"github.com/arzzra/webphone/pkg/phoneerr"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/mockSignaling"
	"github.com/arzzra/webphone/pkg/softphone"
)

type stubCapturer struct{}

func (stubCapturer) GetUserMedia(ctx context.Context, c media_gate.Constraints) (*media_gate.Stream, error) {
	return media_gate.NewStream("local",
		media_gate.NewBasicTrack("mic", media_gate.KindAudio, nil),
		media_gate.NewBasicTrack("cam", media_gate.KindVideo, nil),
	), nil
}

type errorBody struct {
	Error ErrorView `json:"error"`
}

// ServerTestSuite HTTP интерфейс поверх настоящего Phone и mockSignaling
type ServerTestSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	lib    *mockSignaling.Library
	phone  *softphone.Phone
	server *Server
}

func (s *ServerTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lib = mockSignaling.NewLibrary()

	registry := prometheus.NewRegistry()
	cfg := softphone.DefaultConfig()
	cfg.Registerer = registry
	phone, err := softphone.New(s.lib, stubCapturer{}, cfg)
	s.Require().NoError(err)
	s.phone = phone

	s.server = New(s.ctx, phone, Options{Mode: "test", PingPeriod: time.Second, Gatherer: registry})
}

func (s *ServerTestSuite) TearDownTest() {
	s.cancel()
	s.Require().NoError(s.phone.Close(context.Background()))
}

func (s *ServerTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerTestSuite) decodeError(rec *httptest.ResponseRecorder) ErrorView {
	var body errorBody
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func (s *ServerTestSuite) register() {
	rec := s.do(http.MethodPost, "/api/connect",
		`{"username":"1001","password":"secret","server":"wss://pbx.example.com:8089/ws"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	ua := s.lib.LastAgent()
	s.Require().NotNil(ua)
	s.Require().NoError(ua.EmitType(signaling.EventConnected))
	s.Require().NoError(ua.EmitType(signaling.EventRegistered))
	s.Require().Eventually(func() bool { return s.phone.State().Registered() },
		2*time.Second, 5*time.Millisecond)
}

func (s *ServerTestSuite) TestGetState() {
	rec := s.do(http.MethodGet, "/api/state", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var view StateView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &view))
	s.Equal("disconnected", view.Registration.State)
	s.False(view.Registration.Registered)
	s.Nil(view.Call)
	s.Nil(view.Error)
	s.Equal(media_gate.PermissionUnknown, view.Media.Permission)
}

func (s *ServerTestSuite) TestConnectInvalidConfig() {
	rec := s.do(http.MethodPost, "/api/connect", `{"username":"1001","server":"sip:pbx.example.com"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(phoneerr.CodeInvalidConfig, s.decodeError(rec).Code)

	rec = s.do(http.MethodPost, "/api/connect", `{`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerTestSuite) TestConnectHidesPassword() {
	s.register()

	rec := s.do(http.MethodGet, "/api/state", "")
	s.NotContains(rec.Body.String(), "secret")

	var view StateView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &view))
	s.Equal("sip:1001@pbx.example.com", view.Registration.URI)
	s.True(view.Registration.Registered)
}

func (s *ServerTestSuite) TestDialWithoutRegistration() {
	rec := s.do(http.MethodPost, "/api/dial", `{"target":"1002"}`)
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(phoneerr.CodeNotRegistered, s.decodeError(rec).Code)
}

func (s *ServerTestSuite) TestDialHangUpAndHistory() {
	s.register()

	rec := s.do(http.MethodPost, "/api/dial", `{"target":"1002","video":true}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var view StateView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &view))
	s.Require().NotNil(view.Call)
	s.Equal(signaling.DirectionOutgoing, view.Call.Direction)
	s.Equal(media_gate.PermissionGranted, view.Media.Permission)
	s.Len(view.Media.Local, 2)

	rec = s.do(http.MethodPost, "/api/dial", `{"target":"1003"}`)
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(phoneerr.CodeCallAlreadyInProgress, s.decodeError(rec).Code)

	rec = s.do(http.MethodPost, "/api/mute", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var muted struct {
		Muted bool `json:"muted"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &muted))
	s.True(muted.Muted)

	rec = s.do(http.MethodPost, "/api/hangup", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/hangup", "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(phoneerr.CodeNoActiveCall, s.decodeError(rec).Code)

	rec = s.do(http.MethodGet, "/api/history?outcome=outgoing&q=1002", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var list struct {
		Records []history.Record `json:"records"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	s.Require().Len(list.Records, 1)
	s.Equal("1002", list.Records[0].ContactNumber)

	rec = s.do(http.MethodDelete, "/api/history/"+list.Records[0].ID, "")
	s.Equal(http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/api/history/"+list.Records[0].ID, "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerTestSuite) TestContactsAndCallFromBook() {
	rec := s.do(http.MethodPost, "/api/contacts", `{"name":"A","number":"1"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/contacts", `{"name":"Alice Wonderland","number":"+1 (555) 0100"}`)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var alice contacts.Contact
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &alice))
	s.NotEmpty(alice.ID)

	rec = s.do(http.MethodPost, "/api/contacts/"+alice.ID+"/favorite", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/contacts?favorites=true&q=alice", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var list struct {
		Contacts []contacts.Contact `json:"contacts"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	s.Require().Len(list.Contacts, 1)
	s.True(list.Contacts[0].Favorite)

	rec = s.do(http.MethodPut, "/api/contacts/missing", `{"name":"Nobody","number":"+1-555-0000"}`)
	s.Equal(http.StatusNotFound, rec.Code)

	s.register()
	rec = s.do(http.MethodPost, "/api/contacts/"+alice.ID+"/call", `{"video":false}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	calls := s.lib.LastAgent().Calls()
	s.Require().Len(calls, 1)
	s.Contains(calls[0].Target, "15550100@pbx.example.com")

	rec = s.do(http.MethodPost, "/api/hangup", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	records := s.phone.History().List(history.Filter{})
	s.Require().Len(records, 1)
	s.Equal("Alice Wonderland", records[0].ContactName)

	rec = s.do(http.MethodDelete, "/api/contacts/"+alice.ID, "")
	s.Equal(http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodPost, "/api/contacts/"+alice.ID+"/call", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerTestSuite) TestAnswerDuringOutgoingCall() {
	s.register()
	rec := s.do(http.MethodPost, "/api/dial", `{"target":"1002"}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/answer", "")
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(phoneerr.CodeCallAlreadyInProgress, s.decodeError(rec).Code)
}

func (s *ServerTestSuite) TestAnswerWithoutCall() {
	rec := s.do(http.MethodPost, "/api/answer", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerTestSuite) TestMetrics() {
	rec := s.do(http.MethodGet, "/metrics", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "webphone_call_active")
}

func (s *ServerTestSuite) TestStateStream() {
	srv := httptest.NewServer(s.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	defer conn.Close()

	read := func() StateView {
		s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
		_, data, err := conn.ReadMessage()
		s.Require().NoError(err)
		var view StateView
		s.Require().NoError(json.Unmarshal(data, &view))
		return view
	}

	first := read()
	s.Equal("disconnected", first.Registration.State)

	rec := s.do(http.MethodPost, "/api/connect",
		`{"username":"1001","password":"secret","server":"wss://pbx.example.com:8089/ws"}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	var next StateView
	for next.Registration.State != "connecting" {
		next = read()
	}
	s.Greater(next.Revision, first.Revision)
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestStatusFor(t *testing.T) {
	tests := map[phoneerr.Code]int{
		phoneerr.CodeInvalidConfig:               http.StatusBadRequest,
		phoneerr.CodeNoActiveCall:                http.StatusNotFound,
		phoneerr.CodeCallAlreadyInProgress:       http.StatusConflict,
		phoneerr.CodePermissionDenied:            http.StatusForbidden,
		phoneerr.CodeSignalingLibraryUnavailable: http.StatusServiceUnavailable,
		phoneerr.CodeNegotiationFailed:           http.StatusBadGateway,
	}
	for code, status := range tests {
		assert.Equal(t, status, StatusFor(code), code.String())
	}
}

func TestNewStateViewEmptyStreams(t *testing.T) {
	view := NewStateView(softphone.State{})
	require.NotNil(t, view.Media.Local)
	assert.Empty(t, view.Media.Local)
	assert.Empty(t, view.Media.Remote)
}
