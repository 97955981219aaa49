package sipua

import (
	"github.com/pion/sdp/v3"
)

// offeredKinds возвращает виды медиа с ненулевым портом и направлением,
// допускающим прием.
func offeredKinds(body []byte) (audio, video bool, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return false, false, err
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := m.Attribute("inactive"); inactive {
			continue
		}
		switch m.MediaName.Media {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	return audio, video, nil
}

// hasVideo сообщает, предлагает ли SDP видео. Некорректный SDP видео не содержит.
func hasVideo(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	_, video, err := offeredKinds(body)
	return err == nil && video
}
