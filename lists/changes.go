package lists

import (
	"errors"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/schema"
)

// ErrCommitting is returned by Commit while another commit is running.
var ErrCommitting = errors.New("lists: commit in progress")

// ChangeTrackingList stages additions, changes and removals on top of a parent list
// until they are committed or discarded. An id in additions is never in changes or
// removals.
type ChangeTrackingList struct {
	events

	parent RecordList
	detach func()

	mu         sync.Mutex
	additions  map[uuid.UUID]Record
	addOrder   orderedIDs
	changes    map[uuid.UUID]Record
	removals   orderedIDs
	committing bool
	modified   bool
	onModified []func(bool)
}

// NewChangeTrackingList creates an overlay over parent.
func NewChangeTrackingList(parent RecordList) *ChangeTrackingList {
	c := &ChangeTrackingList{
		parent:    parent,
		additions: make(map[uuid.UUID]Record),
		changes:   make(map[uuid.UUID]Record),
	}
	c.detach = parent.Observe(Observer{
		Added:   c.addedInParent,
		Removed: c.removedInParent,
		Changed: c.changedInParent,
	})
	return c
}

// Close stops tracking the parent.
func (c *ChangeTrackingList) Close() {
	c.detach()
}

// OnModifiedChanged registers a callback invoked when IsModified flips.
func (c *ChangeTrackingList) OnModifiedChanged(f func(modified bool)) {
	c.mu.Lock()
	c.onModified = append(c.onModified, f)
	c.mu.Unlock()
}

// IsModified reports whether there are uncommitted edits.
func (c *ChangeTrackingList) IsModified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modified
}

// IsAddition reports whether the record was added locally and is not committed yet.
func (c *ChangeTrackingList) IsAddition(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.additions[id]
	return ok
}

// Get returns the local addition, or the parent record with local changes applied.
func (c *ChangeTrackingList) Get(id uuid.UUID) Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.additions[id]; ok {
		return copyRecord(rec)
	}
	if c.removals.has(id) {
		return nil
	}
	base := c.parent.Get(id)
	if base == nil {
		return copyRecord(c.changes[id])
	}
	return merge(base, c.changes[id])
}

// Set stages property changes. Changes of locally removed records are ignored.
func (c *ChangeTrackingList) Set(records []Record) error {
	var evs []event
	c.mu.Lock()
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			c.mu.Unlock()
			return ErrNoID
		}
		if c.removals.has(id) {
			continue
		}
		target, ok := c.additions[id]
		if !ok {
			if target = c.changes[id]; target == nil {
				target = make(Record)
				c.changes[id] = target
			}
		}
		for prop, v := range rec {
			if prop == schema.IDColumn {
				continue
			}
			target[prop] = v
			evs = append(evs, event{kind: evChanged, id: id, property: prop})
		}
	}
	c.mu.Unlock()

	c.emit(evs)
	c.updateModified()
	return nil
}

// Add stages new records. Records without an id get a new one. Adding a record removed
// locally restores it.
func (c *ChangeTrackingList) Add(records []Record) error {
	var evs []event
	c.mu.Lock()
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			id = uuid.New()
		}
		if _, dup := c.additions[id]; dup || (!c.removals.has(id) && c.parent.Contains(id)) {
			c.mu.Unlock()
			c.emit(evs)
			c.updateModified()
			return ErrDuplicateID
		}
		if c.removals.has(id) && c.parent.Contains(id) {
			// Re-adding a removed row keeps it a parent row. Differing values become changes.
			c.removals.remove(id)
			if diff := changedValues(c.parent.Get(id), rec); len(diff) > 0 {
				c.changes[id] = diff
			}
			evs = append(evs, event{kind: evAdded, id: id})
			continue
		}
		rec = copyRecord(rec)
		rec[schema.IDColumn] = id.String()
		c.additions[id] = rec
		c.addOrder.add(id)
		evs = append(evs, event{kind: evAdded, id: id})
	}
	c.mu.Unlock()

	c.emit(evs)
	c.updateModified()
	return nil
}

// Remove stages removals. Removing a local addition forgets it.
func (c *ChangeTrackingList) Remove(ids []uuid.UUID) error {
	var evs []event
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.additions[id]; ok {
			delete(c.additions, id)
			c.addOrder.remove(id)
		} else if c.removals.has(id) || !c.parent.Contains(id) {
			continue
		} else {
			c.removals.add(id)
			delete(c.changes, id)
		}
		evs = append(evs, event{kind: evRemoved, id: id})
	}
	c.mu.Unlock()

	c.emit(evs)
	c.updateModified()
	return nil
}

// Contains implements RecordList.
func (c *ChangeTrackingList) Contains(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.additions[id]; ok {
		return true
	}
	return !c.removals.has(id) && c.parent.Contains(id)
}

// IDs returns the parent ids without local removals, followed by local additions.
func (c *ChangeTrackingList) IDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uuid.UUID
	for _, id := range c.parent.IDs() {
		if !c.removals.has(id) {
			out = append(out, id)
		}
	}
	return append(out, c.addOrder.ids()...)
}

// Commit relays changes, additions and removals to the parent in this order and clears
// them. A step failing leaves its edits and the following ones staged.
func (c *ChangeTrackingList) Commit() error {
	c.mu.Lock()
	if c.committing {
		c.mu.Unlock()
		return ErrCommitting
	}
	c.committing = true
	changes := make([]Record, 0, len(c.changes))
	for id, props := range c.changes {
		rec := copyRecord(props)
		rec[schema.IDColumn] = id.String()
		changes = append(changes, rec)
	}
	additions := make([]Record, 0, len(c.additions))
	for _, id := range c.addOrder.ids() {
		additions = append(additions, copyRecord(c.additions[id]))
	}
	removals := c.removals.ids()
	c.mu.Unlock()

	err := c.parent.Set(changes)
	if err == nil {
		c.mu.Lock()
		c.changes = make(map[uuid.UUID]Record)
		c.mu.Unlock()
		if err = c.parent.Add(additions); err == nil {
			c.mu.Lock()
			c.additions = make(map[uuid.UUID]Record)
			c.addOrder.clear()
			c.mu.Unlock()
			if err = c.parent.Remove(removals); err == nil {
				c.mu.Lock()
				c.removals.clear()
				c.mu.Unlock()
			}
		}
	}

	c.mu.Lock()
	c.committing = false
	c.mu.Unlock()
	c.updateModified()
	return err
}

// Discard drops all staged edits and notifies observers of the reverted state.
func (c *ChangeTrackingList) Discard() {
	var evs []event
	c.mu.Lock()
	for _, id := range c.addOrder.ids() {
		evs = append(evs, event{kind: evRemoved, id: id})
	}
	for _, id := range c.removals.ids() {
		evs = append(evs, event{kind: evAdded, id: id})
	}
	for id, props := range c.changes {
		for prop := range props {
			evs = append(evs, event{kind: evChanged, id: id, property: prop})
		}
	}
	c.additions = make(map[uuid.UUID]Record)
	c.addOrder.clear()
	c.changes = make(map[uuid.UUID]Record)
	c.removals.clear()
	c.mu.Unlock()

	c.emit(evs)
	c.updateModified()
}

func (c *ChangeTrackingList) addedInParent(id uuid.UUID) {
	c.mu.Lock()
	skip := c.committing || c.removals.has(id)
	c.mu.Unlock()
	if !skip {
		c.emitAdded(id)
	}
}

func (c *ChangeTrackingList) removedInParent(id uuid.UUID) {
	c.mu.Lock()
	if c.committing {
		c.mu.Unlock()
		return
	}
	delete(c.changes, id)
	hidden := c.removals.remove(id)
	c.mu.Unlock()

	if !hidden {
		c.emitRemoved(id)
	}
	c.updateModified()
}

func (c *ChangeTrackingList) changedInParent(id uuid.UUID, property string) {
	parentValue, known := c.parent.Get(id)[property]

	c.mu.Lock()
	if c.committing {
		c.mu.Unlock()
		return
	}
	removed := c.removals.has(id)
	staged, ok := c.changes[id][property]
	if ok && known && bus.DataEqual(staged, parentValue) {
		delete(c.changes[id], property)
		if len(c.changes[id]) == 0 {
			delete(c.changes, id)
		}
		c.mu.Unlock()
		c.emitChanged(id, property)
		c.updateModified()
		return
	}
	c.mu.Unlock()

	if !removed {
		c.emitChanged(id, property)
	}
}

// updateModified recomputes the modified flag and notifies on change.
func (c *ChangeTrackingList) updateModified() {
	c.mu.Lock()
	modified := len(c.additions) > 0 || len(c.changes) > 0 || len(c.removals.list) > 0
	if modified == c.modified {
		c.mu.Unlock()
		return
	}
	c.modified = modified
	callbacks := append(([]func(bool))(nil), c.onModified...)
	c.mu.Unlock()

	for _, f := range callbacks {
		f(modified)
	}
}

// changedValues returns the properties of rec which differ from base.
func changedValues(base, rec Record) Record {
	out := make(Record)
	for prop, v := range rec {
		if prop == schema.IDColumn {
			continue
		}
		if old, ok := base[prop]; !ok || !reflect.DeepEqual(old, v) {
			out[prop] = v
		}
	}
	return out
}
