// Package page implements the slotted-directory record buffer that backs
// one B-tree node: a fixed-size byte buffer with a small header, a slot
// directory growing from the header end, and a payload area growing from
// the page's high end.
package page

import (
	"bytes"
	"encoding/binary"
)

const (
	// HeaderSize is the fixed size, in bytes, of a page's header.
	HeaderSize = 16
	// SlotSize is the fixed size, in bytes, of one slot directory record.
	SlotSize = 16
	// Magic sanity-checks a freshly created or loaded page.
	Magic = uint32(0xC0DE1542)
)

// Slot is a 16-byte directory record: offset of the payload within the
// page, key length, value length, and child page id (0 on leaves).
type Slot struct {
	Offset uint32
	Klen   uint32
	Vlen   uint32
	Child  uint32
}

// Entry is a materialized (key, value, child) triple, detached from the
// page's backing buffer.
type Entry struct {
	Key   []byte
	Value []byte
	Child uint32
}

// Page wraps a fixed-size byte buffer holding one tree node.
type Page struct {
	Data []byte
}

// New allocates a fresh empty page of the given capacity with the given id.
func New(id, capacity uint32) *Page {
	p := &Page{Data: make([]byte, capacity)}
	p.initHeader(id, capacity)
	return p
}

// Load wraps an existing byte buffer (e.g. one just read from disk) without
// touching its contents.
func Load(buf []byte) *Page {
	return &Page{Data: buf}
}

func (p *Page) initHeader(id, capacity uint32) {
	binary.BigEndian.PutUint32(p.Data[0:4], id)
	binary.BigEndian.PutUint32(p.Data[4:8], capacity)
	binary.BigEndian.PutUint32(p.Data[8:12], 0)
	binary.BigEndian.PutUint32(p.Data[12:16], Magic)
}

// Create resets the page in place to a fresh empty page with the given id
// and capacity, zeroing the slot directory and payload area.
func (p *Page) Create(id, capacity uint32) {
	if uint32(len(p.Data)) != capacity {
		p.Data = make([]byte, capacity)
	} else {
		for i := range p.Data {
			p.Data[i] = 0
		}
	}
	p.initHeader(id, capacity)
}

func (p *Page) ID() uint32       { return binary.BigEndian.Uint32(p.Data[0:4]) }
func (p *Page) Capacity() uint32 { return binary.BigEndian.Uint32(p.Data[4:8]) }
func (p *Page) SlotCount() uint32 {
	return binary.BigEndian.Uint32(p.Data[8:12])
}
func (p *Page) MagicMarker() uint32 { return binary.BigEndian.Uint32(p.Data[12:16]) }

// ValidMagic reports whether the page's magic marker matches Magic.
func (p *Page) ValidMagic() bool { return p.MagicMarker() == Magic }

func (p *Page) SetID(id uint32) { binary.BigEndian.PutUint32(p.Data[0:4], id) }

func (p *Page) setSlotCount(n uint32) {
	binary.BigEndian.PutUint32(p.Data[8:12], n)
}

func (p *Page) slotOffset(i uint32) uint32 { return HeaderSize + i*SlotSize }

// Slot fetches the slot record at index i, false if i is out of range.
func (p *Page) Slot(i uint32) (Slot, bool) {
	if i >= p.SlotCount() {
		return Slot{}, false
	}
	o := p.slotOffset(i)
	return Slot{
		Offset: binary.BigEndian.Uint32(p.Data[o : o+4]),
		Klen:   binary.BigEndian.Uint32(p.Data[o+4 : o+8]),
		Vlen:   binary.BigEndian.Uint32(p.Data[o+8 : o+12]),
		Child:  binary.BigEndian.Uint32(p.Data[o+12 : o+16]),
	}, true
}

func (p *Page) putSlot(i uint32, s Slot) {
	o := p.slotOffset(i)
	binary.BigEndian.PutUint32(p.Data[o:o+4], s.Offset)
	binary.BigEndian.PutUint32(p.Data[o+4:o+8], s.Klen)
	binary.BigEndian.PutUint32(p.Data[o+8:o+12], s.Vlen)
	binary.BigEndian.PutUint32(p.Data[o+12:o+16], s.Child)
}

// Key returns the key bytes of slot i, nil if out of range.
func (p *Page) Key(i uint32) []byte {
	s, ok := p.Slot(i)
	if !ok {
		return nil
	}
	return p.Data[s.Offset : s.Offset+s.Klen]
}

// Value returns the value bytes of slot i, nil if out of range.
func (p *Page) Value(i uint32) []byte {
	s, ok := p.Slot(i)
	if !ok {
		return nil
	}
	return p.Data[s.Offset+s.Klen : s.Offset+s.Klen+s.Vlen]
}

// MinKey is the key of slot 0.
func (p *Page) MinKey() []byte { return p.Key(0) }

// MaxKey is the key of the last slot.
func (p *Page) MaxKey() []byte {
	n := p.SlotCount()
	if n == 0 {
		return nil
	}
	return p.Key(n - 1)
}

// Find returns the index of the slot whose key exactly equals key.
func (p *Page) Find(key []byte) (uint32, bool) {
	i, ok := p.Ceil(key)
	if !ok {
		return 0, false
	}
	if bytes.Equal(p.Key(i), key) {
		return i, true
	}
	return 0, false
}

// Ceil returns the smallest slot index whose key is >= key, false if key
// is greater than every key on the page.
func (p *Page) Ceil(key []byte) (uint32, bool) {
	n := p.SlotCount()
	lo, hi := uint32(0), n
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(p.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= n {
		return 0, false
	}
	return lo, true
}

func (p *Page) minPayloadOffset() uint32 {
	n := p.SlotCount()
	min := p.Capacity()
	for i := uint32(0); i < n; i++ {
		s, _ := p.Slot(i)
		if s.Offset < min {
			min = s.Offset
		}
	}
	return min
}

// FreeBytes is the number of contiguous bytes available between the slot
// directory and the payload area.
func (p *Page) FreeBytes() uint32 {
	n := p.SlotCount()
	lo := HeaderSize + n*SlotSize
	if n == 0 {
		return p.Capacity() - HeaderSize
	}
	return p.minPayloadOffset() - lo
}

// Fits reports whether an entry of total payload size length (plus one new
// slot) can be accommodated without a split.
func (p *Page) Fits(length uint32) bool {
	return p.FreeBytes() >= length+SlotSize
}

// FullnessPercent is the percentage of usable space (capacity minus header)
// currently occupied by slots and payload.
func (p *Page) FullnessPercent() uint32 {
	total := p.Capacity() - HeaderSize
	if total == 0 {
		return 100
	}
	used := total - p.FreeBytes()
	return 100 * used / total
}

// PutValue upserts a leaf entry (child = 0). Returns the resulting slot
// index, or false if the entry does not fit.
func (p *Page) PutValue(key, val []byte) (uint32, bool) {
	return p.putEntry(key, val, 0)
}

// PutChild upserts an internal entry: key is a separator, child is the
// page id it routes to.
func (p *Page) PutChild(key []byte, child uint32) (uint32, bool) {
	return p.putEntry(key, nil, child)
}

func (p *Page) putEntry(key, val []byte, child uint32) (uint32, bool) {
	if idx, ok := p.Find(key); ok {
		p.Remove(idx)
	}

	total := uint32(len(key) + len(val))
	if !p.Fits(total) {
		return 0, false
	}

	offset := p.minPayloadOffset() - total
	copy(p.Data[offset:], key)
	copy(p.Data[offset+uint32(len(key)):], val)

	n := p.SlotCount()
	slots := make([]Slot, 0, n+1)
	for i := uint32(0); i < n; i++ {
		s, _ := p.Slot(i)
		slots = append(slots, s)
	}

	newSlot := Slot{Offset: offset, Klen: uint32(len(key)), Vlen: uint32(len(val)), Child: child}
	insertAt := uint32(len(slots))
	for i, s := range slots {
		if bytes.Compare(key, p.Data[s.Offset:s.Offset+s.Klen]) < 0 {
			insertAt = uint32(i)
			break
		}
	}
	slots = append(slots, Slot{})
	copy(slots[insertAt+1:], slots[insertAt:])
	slots[insertAt] = newSlot

	for i, s := range slots {
		p.putSlot(uint32(i), s)
	}
	p.setSlotCount(uint32(len(slots)))
	return insertAt, true
}

// Remove deletes the slot at index i, compacting the remaining entries so
// the freed space is contiguous between the directory and the payload.
func (p *Page) Remove(i uint32) {
	n := p.SlotCount()
	if i >= n {
		return
	}

	remaining := make([]Slot, 0, n-1)
	keys := make([][]byte, 0, n-1)
	vals := make([][]byte, 0, n-1)
	var total uint32
	for j := uint32(0); j < n; j++ {
		if j == i {
			continue
		}
		s, _ := p.Slot(j)
		k := append([]byte(nil), p.Data[s.Offset:s.Offset+s.Klen]...)
		v := append([]byte(nil), p.Data[s.Offset+s.Klen:s.Offset+s.Klen+s.Vlen]...)
		remaining = append(remaining, s)
		keys = append(keys, k)
		vals = append(vals, v)
		total += s.Klen + s.Vlen
	}

	for k := HeaderSize; k < len(p.Data); k++ {
		p.Data[k] = 0
	}

	offset := p.Capacity() - total
	for idx := len(remaining) - 1; idx >= 0; idx-- {
		remaining[idx].Offset = offset
		copy(p.Data[offset:], keys[idx])
		offset += remaining[idx].Klen
		copy(p.Data[offset:], vals[idx])
		offset += remaining[idx].Vlen
	}

	for idx, s := range remaining {
		p.putSlot(uint32(idx), s)
	}
	p.setSlotCount(uint32(len(remaining)))
}

// CopyEntries materializes every (key, value, child) triple in key order,
// detached from the page's backing buffer.
func (p *Page) CopyEntries() []Entry {
	n := p.SlotCount()
	out := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		s, _ := p.Slot(i)
		out = append(out, Entry{
			Key:   append([]byte(nil), p.Data[s.Offset:s.Offset+s.Klen]...),
			Value: append([]byte(nil), p.Data[s.Offset+s.Klen:s.Offset+s.Klen+s.Vlen]...),
			Child: s.Child,
		})
	}
	return out
}

// Clear empties the page, marking the whole payload area free.
func (p *Page) Clear() {
	p.setSlotCount(0)
}

// IsLeaf reports whether slot i is a leaf entry (child == 0).
func (p *Page) IsLeaf(i uint32) bool {
	s, ok := p.Slot(i)
	return ok && s.Child == 0
}
