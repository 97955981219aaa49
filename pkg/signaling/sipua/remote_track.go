package sipua

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/arzzra/webphone/pkg/media_gate"
)

// RTPStats счетчики принятого RTP
type RTPStats struct {
	SSRC         uint32
	Packets      uint64
	Bytes        uint64
	LastSequence uint16
}

// remoteTrack удаленная дорожка. Пакеты читаются постоянно, иначе
// буфер приемника переполняется; выключенная дорожка пакеты не учитывает.
type remoteTrack struct {
	*media_gate.BasicTrack
	remote *webrtc.TrackRemote

	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func kindFromCodecType(t webrtc.RTPCodecType) media_gate.Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return media_gate.KindVideo
	}
	return media_gate.KindAudio
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	id := remote.ID()
	if id == "" {
		id = remote.StreamID() + "-" + remote.Kind().String()
	}
	return &remoteTrack{
		BasicTrack: media_gate.NewBasicTrack(id, kindFromCodecType(remote.Kind()), nil),
		remote:     remote,
	}
}

func (t *remoteTrack) drain() {
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			return
		}
		if t.Stopped() {
			return
		}
		if t.Enabled() {
			t.account(pkt)
		}
	}
}

func (t *remoteTrack) account(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.lastSeq.Store(uint32(pkt.SequenceNumber))
}

// Stats возвращает счетчики дорожки
func (t *remoteTrack) Stats() RTPStats {
	return RTPStats{
		SSRC:         uint32(t.remote.SSRC()),
		Packets:      t.packets.Load(),
		Bytes:        t.bytes.Load(),
		LastSequence: uint16(t.lastSeq.Load()),
	}
}
