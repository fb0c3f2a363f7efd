package lists

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/filter"
)

// FilteredList shows the records of a parent list which match a filter. Mutations go
// straight to the parent.
type FilteredList struct {
	events

	parent RecordList
	detach func()

	mu     sync.Mutex
	filter filter.Filter
	ids    orderedIDs
}

// NewFilteredList creates a projection of parent. The empty filter matches everything.
func NewFilteredList(parent RecordList, f filter.Filter) *FilteredList {
	fl := &FilteredList{parent: parent, filter: f}
	fl.detach = parent.Observe(Observer{
		Added:   fl.addedInParent,
		Removed: fl.removedInParent,
		Changed: fl.changedInParent,
	})
	for _, id := range fl.matching(f) {
		fl.ids.add(id)
	}
	return fl
}

// Close stops tracking the parent.
func (fl *FilteredList) Close() {
	fl.detach()
}

// Filter returns the current filter.
func (fl *FilteredList) Filter() filter.Filter {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.filter
}

// SetFilter replaces the filter. Records leaving the projection are reported as
// removed, records entering it as added.
func (fl *FilteredList) SetFilter(f filter.Filter) {
	fl.mu.Lock()
	if bus.DataEqual(fl.filter.ToJSON(), f.ToJSON()) {
		fl.mu.Unlock()
		return
	}
	fl.filter = f
	fl.mu.Unlock()

	matching := fl.matching(f)

	var evs []event
	fl.mu.Lock()
	old := fl.ids.ids()
	fl.ids.clear()
	for _, id := range matching {
		fl.ids.add(id)
	}
	for _, id := range old {
		if !fl.ids.has(id) {
			evs = append(evs, event{kind: evRemoved, id: id})
		}
	}
	oldSet := make(map[uuid.UUID]struct{}, len(old))
	for _, id := range old {
		oldSet[id] = struct{}{}
	}
	for _, id := range matching {
		if _, ok := oldSet[id]; !ok {
			evs = append(evs, event{kind: evAdded, id: id})
		}
	}
	fl.mu.Unlock()
	fl.emit(evs)
}

func (fl *FilteredList) matching(f filter.Filter) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range fl.parent.IDs() {
		if rec := fl.parent.Get(id); rec != nil && f.Matches(rec) {
			out = append(out, id)
		}
	}
	return out
}

// Get implements RecordList.
func (fl *FilteredList) Get(id uuid.UUID) Record {
	return fl.parent.Get(id)
}

// Set implements RecordList.
func (fl *FilteredList) Set(records []Record) error {
	return fl.parent.Set(records)
}

// Add implements RecordList.
func (fl *FilteredList) Add(records []Record) error {
	return fl.parent.Add(records)
}

// Remove implements RecordList.
func (fl *FilteredList) Remove(ids []uuid.UUID) error {
	return fl.parent.Remove(ids)
}

// Contains implements RecordList.
func (fl *FilteredList) Contains(id uuid.UUID) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.ids.has(id)
}

// IDs implements RecordList.
func (fl *FilteredList) IDs() []uuid.UUID {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.ids.ids()
}

func (fl *FilteredList) addedInParent(id uuid.UUID) {
	rec := fl.parent.Get(id)
	fl.mu.Lock()
	added := rec != nil && fl.filter.Matches(rec) && fl.ids.add(id)
	fl.mu.Unlock()
	if added {
		fl.emitAdded(id)
	}
}

func (fl *FilteredList) removedInParent(id uuid.UUID) {
	fl.mu.Lock()
	removed := fl.ids.remove(id)
	fl.mu.Unlock()
	if removed {
		fl.emitRemoved(id)
	}
}

func (fl *FilteredList) changedInParent(id uuid.UUID, property string) {
	rec := fl.parent.Get(id)
	fl.mu.Lock()
	inList := fl.ids.has(id)
	shouldBe := rec != nil && fl.filter.Matches(rec)
	switch {
	case inList && !shouldBe:
		fl.ids.remove(id)
	case !inList && shouldBe:
		fl.ids.add(id)
	}
	fl.mu.Unlock()

	switch {
	case inList && !shouldBe:
		fl.emitRemoved(id)
	case !inList && shouldBe:
		fl.emitAdded(id)
	case inList:
		fl.emitChanged(id, property)
	}
}
