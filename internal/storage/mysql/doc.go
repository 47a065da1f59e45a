// Package mysql provides repositories and data access helpers backed by MySQL.
// It persists negotiation records, per-round transcripts, and the settlement
// evidence trail, with a JSON-file backed in-memory variant for development.
package mysql
