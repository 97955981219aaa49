// Package phoneerr содержит таксономию ошибок софтфона.
//
// Все компоненты возвращают *Error с одним из кодов Code. Вызывающий код
// проверяет вид ошибки через errors.Is с предопределенными ErrXxx:
//
//	if errors.Is(err, phoneerr.ErrPermissionDenied) {
//		// показать пользователю подсказку про доступ к камере
//	}
//
// Категория и критичность назначаются по коду, поэтому ошибки одного вида
// одинаково отображаются в интерфейсе и в метриках.
package phoneerr
