// Package registration реализует канал регистрации на SIP сервере.
//
// # Обзор
//
// Channel создает агента библиотеки сигнализации (signaling.UserAgent) по
// Config, пересылает его события владельцу и ведет автомат состояний
// регистрации на looplab/fsm. Канал принадлежит оркестратору и сам по себе
// не потокобезопасен: Connect, Disconnect и HandleEvent вызываются из одной
// горутины.
//
// # Конфигурация
//
// Config строится только через NewConfig:
//
//	cfg, err := registration.NewConfig("1001", "secret", "wss://pbx.example.com:8089/ws")
//	if err != nil {
//		// phoneerr.ErrInvalidConfig: пустое имя, схема не ws/wss или нет хоста
//	}
//	cfg.URI                 // sip:1001@pbx.example.com
//	cfg.Transport()         // WSS
//	cfg.TargetURI("1002")   // sip:1002@pbx.example.com
//	cfg.TargetURI("sip:bob@other.example.com") // без изменений
//
// При переподключении конфигурация заменяется целиком, в том числе когда
// новое подключение не удалось.
//
// # Состояния
//
//	disconnected        нет соединения, начальное состояние
//	connecting          агент создан и запущен, транспорт открывается
//	transportConnected  транспорт открыт, ждем ответа на REGISTER
//	registered          сервер принял регистрацию, можно звонить
//	unregistered        регистрация снята или не продлена
//	registrationFailed  сервер отклонил регистрацию
//	error               библиотека недоступна или агент не запустился
//
// # Переходы
//
//	Событие                    Из                               В
//	-------------------------  -------------------------------  ------------------
//	Connect                    любое                            connecting
//	EventConnecting            disconnected, unregistered       connecting
//	EventConnected             connecting                       transportConnected
//	EventRegistered            transportConnected               registered
//	EventRegistrationFailed    transportConnected, registered   registrationFailed
//	EventUnregistered          registered                       unregistered
//	EventDisconnected          любое                            disconnected
//	сбой Connect               любое                            error
//	Disconnect                 любое                            disconnected
//
// registrationFailed и error снимаются только явным Connect. Запоздалый
// EventRegistered или EventConnecting от библиотеки их не меняет.
// События, для которых перехода нет, HandleEvent отбрасывает и возвращает
// false, LastError и LastCause при этом не меняются.
//
// # Поколения
//
// Каждый Connect увеличивает номер поколения и останавливает прежнего агента
// до создания нового (UserAgent.Stop дожидается полной остановки). События
// пересылаются в Sink помеченными поколением:
//
//	ch := registration.NewChannel(lib, func(ctx context.Context, evt registration.Event) {
//		select {
//		case inbox <- evt:
//		case <-ctx.Done():
//		}
//	}, registration.DefaultOptions())
//
//	if _, err := ch.Connect(ctx, cfg); err != nil {
//		return err
//	}
//	for evt := range inbox {
//		if tr, ok := ch.HandleEvent(ctx, evt); ok {
//			log.Info().Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("регистрация")
//		}
//	}
//
// Событие прежнего поколения отбрасывается, поэтому остановленный агент не
// может зарегистрировать канал с новой конфигурацией.
//
// # Ошибки
//
//	SIGNALING_LIBRARY_UNAVAILABLE  библиотека не загружена, состояние error
//	TRANSPORT_FAILURE              агент не создан, не запущен или транспорт закрыт
//	REGISTRATION_REJECTED          сервер отклонил REGISTER (LastError)
//
// Причина из события библиотеки (например "Authentication Error") доступна
// через LastCause.
package registration
