package rangecache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Fields are written in host-endian order (binary.NativeEndian) per
// specification §6: the index is a local-machine cache artifact, not a
// wire format, and isn't expected to move between architectures.

// indexRecordSize is the on-disk size of one persisted entry: start(8) +
// size(8) + cstart(8) + md5(32 bytes: the hex digest as ASCII).
const indexRecordSize = 8 + 8 + 8 + DigestSize

// indexHeaderSize is [count(4)][lastIndex(4)].
const indexHeaderSize = 4 + 4

// saveIndex rewrites the index file from scratch: header plus one record
// per live entry walked in list order, per specification §4.5/§6. This is
// the documented O(count) cost accepted in DESIGN.md rather than an
// incremental append format.
func (c *Cache) saveIndex() error {
	var live []int
	for i := c.head; i != noNext; {
		live = append(live, i)
		i = c.entries[i].next
	}

	buf := make([]byte, indexHeaderSize+len(live)*indexRecordSize)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(live)))
	lastPos := -1
	for pos, idx := range live {
		if idx == c.last {
			lastPos = pos
		}
	}
	binary.NativeEndian.PutUint32(buf[4:8], uint32(int32(lastPos)))

	off := indexHeaderSize
	for _, idx := range live {
		e := &c.entries[idx]
		binary.NativeEndian.PutUint64(buf[off:], uint64(e.start))
		binary.NativeEndian.PutUint64(buf[off+8:], uint64(e.size))
		binary.NativeEndian.PutUint64(buf[off+16:], uint64(e.cstart))
		copy(buf[off+24:off+24+DigestSize], padDigest(e.md5))
		off += indexRecordSize
	}

	if err := c.indexFile.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("rangecache: truncate index: %w", err)
	}
	if _, err := c.indexFile.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("rangecache: write index: %w", err)
	}
	return nil
}

// loadIndex rebuilds the in-memory entry list from the index file,
// relinking entries in file order (which is insertion order) and setting
// head/last accordingly. A missing or empty index file leaves the cache
// empty, which is always safe: a corrupt or absent index only costs cache
// hits, never correctness, since every hit re-verifies the stored digest.
func (c *Cache) loadIndex() error {
	data, err := io.ReadAll(c.indexFile)
	if err != nil {
		return fmt.Errorf("rangecache: read index: %w", err)
	}
	if len(data) < indexHeaderSize {
		return nil
	}

	count := int(binary.NativeEndian.Uint32(data[0:4]))
	lastPos := int32(binary.NativeEndian.Uint32(data[4:8]))

	want := indexHeaderSize + count*indexRecordSize
	if len(data) < want {
		// Truncated index: ignore it and start cold.
		return nil
	}

	c.entries = make([]entry, count)
	off := indexHeaderSize
	for i := 0; i < count; i++ {
		rec := data[off : off+indexRecordSize]
		c.entries[i] = entry{
			start:  int64(binary.NativeEndian.Uint64(rec[0:8])),
			size:   int64(binary.NativeEndian.Uint64(rec[8:16])),
			cstart: int64(binary.NativeEndian.Uint64(rec[16:24])),
			md5:    string(rec[24 : 24+DigestSize]),
			next:   i + 1,
			live:   true,
		}
		off += indexRecordSize
	}
	if count > 0 {
		c.entries[count-1].next = noNext
		c.head = 0
		if lastPos >= 0 && int(lastPos) < count {
			c.last = int(lastPos)
		} else {
			c.last = count - 1
		}
	}
	return nil
}
