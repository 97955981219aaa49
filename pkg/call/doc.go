// Package call ведет жизненный цикл одного вызова.
//
// # Обзор
//
// Session оборачивает сессию библиотеки сигнализации (signaling.Session),
// переводит ее события в статусы вызова и хранит неизменяемый снимок Info.
// Session не потокобезопасна: события приходят владельцу через Sink, и тот
// применяет их в своей горутине методом HandleEvent.
//
// # Статусы
//
//	initiating  исходящий вызов отправлен, ответа еще нет
//	ringing     у вызываемого звонит, или входящий вызов ждет ответа
//	answered    разговор идет
//	ended       вызов завершен одной из сторон
//	failed      вызов не состоялся или прерван ошибкой
//
// Переходы:
//
//	Событие                         Из                     В
//	------------------------------  ---------------------  --------
//	SessionProgress                 initiating             ringing
//	SessionAccepted/Confirmed       initiating, ringing    answered
//	Accept                          ringing (входящий)     answered
//	SessionEnded, Terminate         любое нетерминальное   ended
//	SessionFailed, таймаут ответа   любое нетерминальное   failed
//
// Входящий вызов создается сразу в ringing. ended и failed терминальны,
// события после них игнорируются.
//
// # Исходящий вызов
//
//	s, err := call.Originate(ctx, ua, "sip:1002@pbx.example.com",
//		call.MediaPrefs{Video: true}, localStream, call.Options{
//			NoAnswerTimeout: 60 * time.Second,
//			Sink:            sink,
//		})
//	if err != nil {
//		// CALL_INITIATION_FAILED, сессия не создана
//	}
//
// Без локального потока вызов не начинается. Если ответа нет дольше
// NoAnswerTimeout (по умолчанию 60 секунд), в Sink приходит Event с
// Timeout, вызов переходит в failed с причиной "No Answer", а сессия
// библиотеки завершается в фоне.
//
// # Входящий вызов
//
//	s := call.NewIncoming(handle, opts)
//	if err := s.Accept(ctx, localStream); err != nil {
//		// NO_ACTIVE_CALL: вызов уже завершен
//		// CALL_ALREADY_IN_PROGRESS: вызов исходящий или уже отвечен
//		// NEGOTIATION_FAILED: библиотека не смогла ответить, статус failed
//	}
//
// Видео в ответе включается, только если его предлагает удаленная сторона
// и в локальном потоке есть видеотрек. Неотвеченный входящий вызов по
// таймауту отклоняется с кодом 408.
//
// # Завершение
//
// Terminate сразу переводит вызов в ended и возвращает параметры, с
// которыми библиотека завершает сессию в фоне. Звонящий входящий вызов
// отклоняется с 486 Busy Here и помечается Info.Declined.
//
// # Медиа
//
// Удаленные треки приходят событиями SessionTrack по одному и собираются в
// один поток RemoteStream, треки другого вида при этом не теряются.
// Локальный поток вызов только заимствует у media_gate.Gate и не
// останавливает его в Close. SetMuted меняет передачу медиа на уровне
// сессии (Mute/Unmute библиотеки).
package call
