package table

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/hupe1980/ttlstore/codec"
	"github.com/hupe1980/ttlstore/rowkey"
)

// IndexInfo is the metadata stored for a secondary index when it is first
// opened.
type IndexInfo struct {
	Index   rowkey.IndexID
	Name    string
	Version uint32
	Unique  bool
	TTL     bool
	// CodeVersion is the version the running binary encodes keys with.
	CodeVersion uint32
}

// Stale reports whether the stored entries were written with a different
// key encoding and need a rebuild.
func (i IndexInfo) Stale() bool { return i.Version != i.CodeVersion }

func infoOf[R Row, K any](idx Index[R, K]) IndexInfo {
	return IndexInfo{
		Index:       idx.ID(),
		Name:        idx.Name(),
		Version:     idx.Version(),
		Unique:      idx.Unique(),
		TTL:         idx.TTL(),
		CodeVersion: idx.Version(),
	}
}

func encodeIndexInfo(info IndexInfo) []byte {
	return codec.AppendMap(nil, 4).
		String("name", info.Name).
		Uint32("version", info.Version).
		Bool("unique", info.Unique).
		Bool("ttl", info.TTL).
		Finish()
}

func decodeIndexInfo(b []byte) (IndexInfo, error) {
	var info IndexInfo
	_, err := codec.ReadFields(b, func(field, raw []byte) error {
		var err error
		switch string(field) {
		case "name":
			info.Name, _, err = msgp.ReadStringBytes(raw)
		case "version":
			info.Version, _, err = msgp.ReadUint32Bytes(raw)
		case "unique":
			info.Unique, _, err = msgp.ReadBoolBytes(raw)
		case "ttl":
			info.TTL, _, err = msgp.ReadBoolBytes(raw)
		}
		return err
	})
	return info, err
}
