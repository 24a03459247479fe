// Package journal persists slice updates to PostgreSQL.
//
// The writer subscribes to store updates, buffers rows in memory, and
// batch-inserts them on a size or interval trigger. Rows are
// append-only (never update, only insert) so the journal is a faithful
// replay log of everything the sync core observed.
package journal
