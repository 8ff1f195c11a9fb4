package raftlog

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

const (
	offWidth   uint64 = 4
	posWidth   uint64 = 8
	entryWidth        = offWidth + posWidth
)

// index is one segment's memory-mapped (relative offset -> store position)
// table. truncate drops trailing entries when a suffix rollback shrinks the
// segment.
type index struct {
	file *os.File
	mMap gommap.MMap
	size uint64
	cfg  Config
}

func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{file: f, cfg: c}
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())
	if err := os.Truncate(f.Name(), int64(c.MaxIndexBytes)); err != nil {
		return nil, err
	}
	if idx.mMap, err = gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
		return nil, err
	}
	return idx, nil
}

// Read returns the (relative offset, store position) pair at entry in, or
// the last entry if in == -1.
func (i *index) Read(in int64) (out uint32, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}
	if in == -1 {
		out = uint32((i.size / entryWidth) - 1)
	} else {
		out = uint32(in)
	}
	p := uint64(out) * entryWidth
	if i.size < p+entryWidth {
		return 0, 0, io.EOF
	}
	out = enc.Uint32(i.mMap[p : p+offWidth])
	pos = enc.Uint64(i.mMap[p+offWidth : p+entryWidth])
	return out, pos, nil
}

// Write appends one (offset, position) entry.
func (i *index) Write(off uint32, pos uint64) error {
	if uint64(len(i.mMap)) < i.size+entryWidth {
		return io.EOF
	}
	enc.PutUint32(i.mMap[i.size:i.size+offWidth], off)
	enc.PutUint64(i.mMap[i.size+offWidth:i.size+entryWidth], pos)
	i.size += entryWidth
	return nil
}

// Truncate discards every entry at or past relative offset keepCount,
// re-mapping the file so subsequent Write calls pick up from there.
func (i *index) Truncate(keepCount uint32) error {
	if err := i.mMap.UnsafeUnmap(); err != nil {
		return err
	}
	newSize := uint64(keepCount) * entryWidth
	if err := i.file.Truncate(int64(i.cfg.MaxIndexBytes)); err != nil {
		return err
	}
	mMap, err := gommap.Map(i.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return err
	}
	i.mMap = mMap
	i.size = newSize
	return nil
}

// Close syncs the mmap and the file, truncates away the unused tail
// reserved by newIndex, and closes the file.
func (i *index) Close() error {
	if err := i.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

// Name returns the index file's path.
func (i *index) Name() string {
	return i.file.Name()
}
