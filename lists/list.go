/******************************************************************************
 *
 *  Description :
 *    Record lists: a server-synchronized cache, an overlay of uncommitted
 *    local edits and a filtered projection, all behind one interface.
 *
 *****************************************************************************/

package lists

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/filter"
	"github.com/tinode/tablesync/schema"
)

// Record is a property map. The "id" property holds the canonical UUID string.
type Record = map[string]any

// ErrDuplicateID is returned when adding a record with an id which is already in the list.
var ErrDuplicateID = errors.New("lists: record id already exists")

// ErrNoID is returned when a record passed to Set has no valid id.
var ErrNoID = errors.New("lists: record without a valid id")

// Observer receives list notifications. Any of the functions may be nil. Notifications
// are delivered without holding list locks, so observers may read the list.
type Observer struct {
	Added   func(id uuid.UUID)
	Removed func(id uuid.UUID)
	Changed func(id uuid.UUID, property string)
}

// RecordList is implemented by all lists.
type RecordList interface {
	// Get returns a copy of the record or nil.
	Get(id uuid.UUID) Record
	// Set changes properties of existing records. Every record must carry its id.
	Set(records []Record) error
	// Add inserts new records.
	Add(records []Record) error
	// Remove deletes records.
	Remove(ids []uuid.UUID) error
	Contains(id uuid.UUID) bool
	IDs() []uuid.UUID
	// Observe registers an observer. The returned function unregisters it.
	Observe(o Observer) (cancel func())
}

// GetProperty returns one property of a record.
func GetProperty(l RecordList, id uuid.UUID, property string) any {
	return l.Get(id)[property]
}

// Select returns the records matching a filter.
func Select(l RecordList, f filter.Filter) []Record {
	var out []Record
	for _, id := range l.IDs() {
		if rec := l.Get(id); rec != nil && f.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// SetProperty changes one property of a record.
func SetProperty(l RecordList, id uuid.UUID, property string, value any) error {
	return SetProperties(l, id, Record{property: value})
}

// SetProperties changes several properties of a record.
func SetProperties(l RecordList, id uuid.UUID, properties Record) error {
	rec := copyRecord(properties)
	rec[schema.IDColumn] = id.String()
	return l.Set([]Record{rec})
}

// AddOne adds a single record.
func AddOne(l RecordList, rec Record) error {
	return l.Add([]Record{rec})
}

// RemoveOne removes a single record.
func RemoveOne(l RecordList, id uuid.UUID) error {
	return l.Remove([]uuid.UUID{id})
}

// recordID extracts the id of a record.
func recordID(rec Record) (uuid.UUID, bool) {
	return crud.ToUUID(rec[schema.IDColumn])
}

func copyRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// merge returns base overridden by changes.
func merge(base, changes Record) Record {
	if base == nil && changes == nil {
		return nil
	}
	out := copyRecord(base)
	if out == nil {
		out = make(Record, len(changes))
	}
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// events is the observer registry embedded in every list.
type events struct {
	mu        sync.Mutex
	observers map[int]Observer
	next      int
}

// Observe implements RecordList.
func (e *events) Observe(o Observer) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers == nil {
		e.observers = make(map[int]Observer)
	}
	key := e.next
	e.next++
	e.observers[key] = o
	return func() {
		e.mu.Lock()
		delete(e.observers, key)
		e.mu.Unlock()
	}
}

func (e *events) snapshot() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Observer, 0, len(e.observers))
	for i := 0; i < e.next; i++ {
		if o, ok := e.observers[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (e *events) emitAdded(id uuid.UUID) {
	for _, o := range e.snapshot() {
		if o.Added != nil {
			o.Added(id)
		}
	}
}

func (e *events) emitRemoved(id uuid.UUID) {
	for _, o := range e.snapshot() {
		if o.Removed != nil {
			o.Removed(id)
		}
	}
}

func (e *events) emitChanged(id uuid.UUID, property string) {
	for _, o := range e.snapshot() {
		if o.Changed != nil {
			o.Changed(id, property)
		}
	}
}

// event is a deferred notification, collected under a list lock and emitted after unlocking.
type event struct {
	kind     eventKind
	id       uuid.UUID
	property string
}

type eventKind int

const (
	evAdded eventKind = iota
	evRemoved
	evChanged
)

func (e *events) emit(evs []event) {
	for _, ev := range evs {
		switch ev.kind {
		case evAdded:
			e.emitAdded(ev.id)
		case evRemoved:
			e.emitRemoved(ev.id)
		case evChanged:
			e.emitChanged(ev.id, ev.property)
		}
	}
}

// orderedIDs is an insertion-ordered set of ids.
type orderedIDs struct {
	list []uuid.UUID
	set  map[uuid.UUID]struct{}
}

func (o *orderedIDs) add(id uuid.UUID) bool {
	if o.set == nil {
		o.set = make(map[uuid.UUID]struct{})
	}
	if _, ok := o.set[id]; ok {
		return false
	}
	o.set[id] = struct{}{}
	o.list = append(o.list, id)
	return true
}

func (o *orderedIDs) remove(id uuid.UUID) bool {
	if _, ok := o.set[id]; !ok {
		return false
	}
	delete(o.set, id)
	for i, v := range o.list {
		if v == id {
			o.list = append(o.list[:i], o.list[i+1:]...)
			break
		}
	}
	return true
}

func (o *orderedIDs) has(id uuid.UUID) bool {
	_, ok := o.set[id]
	return ok
}

func (o *orderedIDs) ids() []uuid.UUID {
	return append([]uuid.UUID(nil), o.list...)
}

func (o *orderedIDs) clear() {
	o.list = nil
	o.set = nil
}
