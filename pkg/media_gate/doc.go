// Package media_gate управляет доступом к локальным медиа устройствам.
//
// Gate единолично владеет локальным потоком: запрашивает разрешение через
// Capturer, включает и выключает треки, освобождает устройства. Stream
// используется и для удаленного потока вызова, где треки приходят по одному
// и объединяются методом AddTrack.
package media_gate
