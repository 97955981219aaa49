// Package mockSignaling предоставляет in-memory реализацию signaling.Library
// для тестирования без сети и медиа устройств.
//
// Тест управляет происходящим явно: агент не порождает событий сам,
// их доставляют методы Emit, EmitType и Ring.
//
//	lib := mockSignaling.NewLibrary()
//	// ... компонент вызывает lib.NewUserAgent и Start
//	ua := lib.LastAgent()
//	ua.EmitType(signaling.EventConnected)
//	ua.EmitType(signaling.EventRegistered)
//	in, _ := ua.Ring("alice", true)
//	in.EmitType(signaling.SessionEnded)
package mockSignaling
