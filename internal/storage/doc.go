// Package storage is the preference store: subscribers, their study groups
// and notification times, plus the operator audit log.
//
// Drivers:
//   - sqlite: pure Go (modernc), single writer, WAL
//   - postgres: lib/pq
package storage
