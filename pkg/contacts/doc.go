// Package contacts хранит адресную книгу в памяти процесса.
//
// Журнал вызовов берет из нее имена собеседников: Store реализует
// history.NameResolver. Номера сравниваются по цифрам, поэтому
// "+1-555-0100" и "sip:15550100@pbx" считаются одним абонентом.
package contacts
