// Package softphone связывает регистрацию, вызовы и локальное медиа
// в один объект Phone.
//
// # Обзор
//
// Phone обрабатывает операции пользователя (Connect, Dial, Answer, HangUp,
// ToggleMute, ToggleVideo, Disconnect) и события библиотеки сигнализации
// строго по одному в собственной горутине. Компоненты внутри Phone
// (registration.Channel, call.Session, media_gate.Gate) поэтому не
// синхронизируются между собой.
//
//	библиотека ──события──> registration.Channel ──┐
//	                                                ├──> inbox ──> редьюсер ──> State
//	call.Session ──события────────────────────────┤
//	Connect/Dial/Answer/HangUp/Toggle* ────────────┘
//
// Результат каждого шага публикуется неизменяемым снимком State:
//
//	updates, cancel := phone.Subscribe()
//	defer cancel()
//	for st := range updates {
//		render(st)
//	}
//
// Подписчик сразу получает текущий снимок. Медленный подписчик пропускает
// промежуточные снимки, но всегда видит последний: доставка не блокирует
// редьюсер.
//
// # Пример
//
//	phone, err := softphone.New(lib, capturer, softphone.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer phone.Close(ctx)
//
//	cfg, _ := registration.NewConfig("1001", "secret", "wss://pbx.example.com:8089/ws")
//	if err := phone.Connect(ctx, cfg); err != nil {
//		return err
//	}
//	// ждем State.Registered()
//	if err := phone.Dial(ctx, "1002", softphone.DialOptions{Video: true}); err != nil {
//		// NOT_REGISTERED, CALL_ALREADY_IN_PROGRESS, PERMISSION_DENIED ...
//	}
//
// # Правила операций
//
//	Операция     Условие                                 Результат
//	-----------  --------------------------------------  --------------------------
//	Dial         нет регистрации                         NOT_REGISTERED
//	Dial/Answer  уже есть вызов (кроме ответа на         CALL_ALREADY_IN_PROGRESS,
//	             звонящий входящий)                      вызов не меняется
//	Dial/Answer  нет разрешения на медиа                 запрос разрешения, при
//	                                                     отказе вызова нет
//	Answer       нет вызова                              NO_ACTIVE_CALL
//	HangUp       нет вызова                              NO_ACTIVE_CALL
//	HangUp       звонящий входящий                       отклонение 486 Busy Here
//	Toggle*      нет локального потока                   без изменений
//	Toggle*      сессия не приняла изменение             флаг трека возвращается
//	Disconnect   любое                                   вызов завершается,
//	                                                     медиа освобождается
//
// Ошибка операции возвращается вызывающему и одновременно попадает в
// State.LastError того же снимка. Успешная операция сбрасывает LastError.
//
// Второй входящий вызов при активном отклоняется с 486 и записывается в
// журнал как busy, активный вызов при этом не меняется.
//
// # Журнал и метрики
//
// Каждый завершенный вызов записывается в history.Store, имя собеседника
// берется из адресной книги contacts.Store. Если в Config задан
// Registerer, Phone публикует метрики prometheus: переходы регистрации,
// вызовы по направлению и итогу, активный вызов, длительность разговора,
// запросы разрешения и удаленные треки.
package softphone
