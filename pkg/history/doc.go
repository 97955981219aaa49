// Package history хранит журнал вызовов в памяти процесса.
// Записи не переживают перезапуск.
package history
