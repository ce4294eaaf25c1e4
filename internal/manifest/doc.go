// Package manifest persists the storage engine's table layout.
//
// A manifest lists the live sorted tables of every column family with
// their level and key range, the next file number, the last sequence
// number and the oldest write-ahead log still needed for recovery. Each
// version is written to its own immutable blob (MANIFEST-000042); the
// CURRENT blob names the live version and is replaced atomically, so a
// crash between the two writes leaves the previous version in force.
package manifest
