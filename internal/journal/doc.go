// Package journal keeps a SQLite history of completed delivery jobs.
//
// The daemon records every job once its last part has been attempted, and
// `parcel status` reads the newest rows back. The journal is history only:
// losing it never affects what gets packaged, sent, or reclaimed.
package journal
