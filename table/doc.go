// Package table maps typed rows onto the key space of the storage engine.
//
// A Table stores each row under a primary key (see package rowkey) and
// keeps one entry per secondary index pointing back at the row id. All keys
// of a row change in a single atomic batch, so readers never observe a row
// without its index entries or the other way around.
//
// Rows may expire. Expired rows are hidden from every read path even if
// they are still stored; physical removal is left to compaction or to an
// explicit DeleteExpired sweep. Index entries of expired rows are not
// touched by compaction and are masked at read time until RepairIndexes or
// a delete cleans them up.
package table
