// Package signaling описывает контракт с библиотекой сигнализации.
//
// Библиотека (Library) создает агентов (UserAgent), которые держат
// транспорт и регистрацию на сервере и порождают сессии (Session).
// Агент и сессия сообщают о происходящем типизированными событиями
// Event и SessionEvent.
//
// Реализация поверх SIP и WebRTC находится в пакете sipua, тестовая
// реализация в mockSignaling.
package signaling
