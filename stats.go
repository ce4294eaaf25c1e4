package ttlstore

// LevelStats describes one level of the cache column family.
type LevelStats struct {
	Level   int
	Tables  int
	Bytes   int64
	Entries uint64
}

// ExpireStats aggregates the compaction runs of the expire filter.
type ExpireStats struct {
	Filter   string
	Runs     uint64
	Removed  uint64
	Orphaned uint64
	Kept     uint64
}

// Stats is a point-in-time summary of a Store.
type Stats struct {
	LastSeq            uint64
	MemTableBytes      int64
	ImmutableMemTables int
	Tables             int
	TableBytes         int64
	Levels             []LevelStats
	Flushes            int64
	Compactions        int64
	CompactionErrors   int64
	OpenTables         int
	PendingDeletes     uint64
	BlockCacheHits     int64
	BlockCacheMisses   int64
	ManifestID         uint64
	Expire             ExpireStats
}

// Stats returns engine and expiration statistics.
func (s *Store) Stats() (Stats, error) {
	if err := s.check(); err != nil {
		return Stats{}, err
	}
	es := s.db.Stats()
	st := Stats{
		LastSeq:            es.LastSeq,
		MemTableBytes:      es.MemTableBytes,
		ImmutableMemTables: es.ImmutableMemTables,
		Tables:             es.Tables,
		TableBytes:         es.TableBytes,
		Flushes:            es.Flushes,
		Compactions:        es.Compactions,
		CompactionErrors:   es.CompactionErrors,
		OpenTables:         es.OpenTables,
		PendingDeletes:     es.PendingDeletes,
		BlockCacheHits:     es.BlockCacheHits,
		BlockCacheMisses:   es.BlockCacheMisses,
		ManifestID:         es.ManifestID,
	}
	cf := es.ColumnFamilies[CacheColumnFamily]
	for lvl, ls := range cf.Levels {
		if ls.Tables == 0 {
			continue
		}
		st.Levels = append(st.Levels, LevelStats{Level: lvl, Tables: ls.Tables, Bytes: ls.Bytes, Entries: ls.Entries})
	}
	t := s.filter.Totals()
	st.Expire = ExpireStats{
		Filter:   cf.Filter,
		Runs:     t.Runs,
		Removed:  t.Removed,
		Orphaned: t.Orphaned,
		Kept:     t.Kept,
	}
	return st, nil
}
