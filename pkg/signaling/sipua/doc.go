// Package sipua реализует signaling.Library поверх sipgo и pion/webrtc.
//
// Агент подключается к SIP серверу по WebSocket (ws или wss), держит
// регистрацию с продлением и digest авторизацией и переподключается при
// потере транспорта. Вызовы используют DialogClientCache и DialogServerCache
// sipgo, медиа передается через PeerConnection с SDP в теле INVITE и 200 OK.
package sipua
