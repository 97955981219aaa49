package sipua

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/signaling"
)

const offerAudioVideo = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=sendrecv\r\n"

const offerVideoDisabled = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 0 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestOfferedKinds(t *testing.T) {
	audio, video, err := offeredKinds([]byte(offerAudioVideo))
	require.NoError(t, err)
	assert.True(t, audio)
	assert.True(t, video)

	assert.True(t, hasVideo([]byte(offerAudioVideo)))
	assert.False(t, hasVideo([]byte(offerVideoDisabled)), "порт 0 отключает видео")
	assert.False(t, hasVideo(nil))
	assert.False(t, hasVideo([]byte("не sdp")))
}

func TestServerTarget(t *testing.T) {
	tests := []struct {
		server    string
		transport string
		host      string
		port      int
		wantErr   bool
	}{
		{server: "wss://pbx.example.com/ws", transport: "WSS", host: "pbx.example.com", port: 443},
		{server: "ws://10.0.0.1:8088/ws", transport: "WS", host: "10.0.0.1", port: 8088},
		{server: "udp://10.0.0.1:5060", wantErr: true},
		{server: "wss://:8089", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			transport, host, port, err := serverTarget(tt.server)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.transport, transport)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, 300*time.Second, refreshInterval(600*time.Second))
	assert.Equal(t, 5*time.Second, refreshInterval(10*time.Second))
	assert.Equal(t, time.Second, refreshInterval(3*time.Second))
	assert.Equal(t, 300*time.Second, refreshInterval(0))
}

func TestRejectedErrorCause(t *testing.T) {
	err := &rejectedError{status: 403, reason: "Forbidden"}
	assert.Equal(t, signaling.CauseRejected, err.cause())
	assert.Contains(t, err.Error(), "403")
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, signaling.ReasonBusyHere, reasonPhrase(signaling.StatusBusyHere))
	assert.Equal(t, "Temporarily Unavailable", reasonPhrase(signaling.StatusUnavailable))
}

func testConfig() signaling.UserAgentConfig {
	return signaling.UserAgentConfig{
		URI:             "sip:1001@pbx.example.com",
		Username:        "1001",
		Password:        "secret",
		Server:          "wss://pbx.example.com:8089/ws",
		Register:        true,
		RegisterExpires: 600 * time.Second,
		UserAgent:       "webphone-test",
	}
}

func TestNewUserAgentRejectsBadConfig(t *testing.T) {
	lib, err := New(DefaultOptions())
	require.NoError(t, err)
	require.True(t, lib.Loaded())

	cfg := testConfig()
	cfg.Server = "http://pbx.example.com"
	_, err = lib.NewUserAgent(cfg)
	assert.Error(t, err)
}

func TestStopWithoutStartClosesEvents(t *testing.T) {
	lib, err := New(DefaultOptions())
	require.NoError(t, err)

	agent, err := lib.NewUserAgent(testConfig())
	require.NoError(t, err)

	ua := agent.(*userAgent)
	assert.Equal(t, "pbx.example.com:8089", ua.hostport)
	assert.Equal(t, "WSS", ua.transport)

	require.NoError(t, agent.Stop(context.Background()))
	evt, ok := <-agent.Events()
	require.True(t, ok)
	assert.Equal(t, signaling.EventDisconnected, evt.Type)
	_, ok = <-agent.Events()
	assert.False(t, ok)

	assert.Error(t, agent.Start(context.Background()), "остановленный агент не запускается")
	assert.NoError(t, agent.Stop(context.Background()), "повторная остановка")
}

func TestNilLibraryNotLoaded(t *testing.T) {
	var lib *Library
	assert.False(t, lib.Loaded())
}
