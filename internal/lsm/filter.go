package lsm

// Decision is the verdict of a CompactionFilter on one record.
type Decision uint8

const (
	// Keep leaves the record in place.
	Keep Decision = iota
	// Remove drops the record.
	Remove
	// RemoveOrphan drops a record that cannot be interpreted. The engine
	// treats it like Remove; filters count it separately.
	RemoveOrphan
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Remove:
		return "remove"
	case RemoveOrphan:
		return "remove_orphan"
	default:
		return "unknown"
	}
}

// CompactionFilter inspects the newest live version of each key a
// compaction rewrites. Filters run on background goroutines and must not
// call back into the DB.
type CompactionFilter interface {
	Filter(level int, key, value []byte) Decision
}

// CompactionFilterFinisher is implemented by filters that want to know
// when the compaction they were created for has finished writing.
type CompactionFilterFinisher interface {
	Finish(err error)
}

// CompactionFilterContext describes the compaction a filter is created for.
type CompactionFilterContext struct {
	ColumnFamily string
	Level        int
	// Bottommost is true when no older data for the compacted key range
	// exists below the output level.
	Bottommost bool
	// Manual is true for compactions started by CompactRange.
	Manual bool
}

// CompactionFilterFactory creates a filter per compaction.
type CompactionFilterFactory interface {
	Name() string
	CreateCompactionFilter(ctx CompactionFilterContext) CompactionFilter
}
