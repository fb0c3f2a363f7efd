package lists

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/filter"
	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/schema"
)

// DefaultPageSize is the limit of every index request issued by a SyncedList.
const DefaultPageSize = 250

// noCursor means the list has no focus and refetch is a no-op.
const noCursor int64 = -1

// SyncedList is the client-side cache of one server table. It keeps only rows
// confirmed by the server, plus local edits which were already sent.
type SyncedList struct {
	*bus.Actor
	events

	channel string
	table   *schema.Table

	mu    sync.Mutex
	rows  map[uuid.UUID]Record
	order orderedIDs
	focus filter.Filter
	// Highest updated_at seen in focused index results and the highest id among
	// the rows changed at that time.
	cursor   int64
	cursorID string
	// Ids for which a Read is in flight.
	pendingReads map[uuid.UUID]struct{}

	pageSize int
	timeout  time.Duration
	retries  int
	onError  func(error)
}

// NewSyncedList creates a list of table rows synchronized over channel and subscribes it.
func NewSyncedList(hub *bus.Hub, channel string, table *schema.Table) *SyncedList {
	l := &SyncedList{
		channel:      channel,
		table:        table,
		rows:         make(map[uuid.UUID]Record),
		cursor:       noCursor,
		pendingReads: make(map[uuid.UUID]struct{}),
		pageSize:     DefaultPageSize,
	}
	l.Actor = bus.NewActor(hub, l)
	l.SubscribeTo(channel)
	return l
}

// SetPageSize changes the limit of index requests.
func (l *SyncedList) SetPageSize(n int) {
	l.mu.Lock()
	l.pageSize = n
	l.mu.Unlock()
}

// SetRequestTimeout makes every request the list sends time out and retry.
func (l *SyncedList) SetRequestTimeout(timeout time.Duration, retries int) {
	l.mu.Lock()
	l.timeout, l.retries = timeout, retries
	l.mu.Unlock()
}

// OnError sets a callback receiving errors of requests sent by the list.
func (l *SyncedList) OnError(f func(error)) {
	l.mu.Lock()
	l.onError = f
	l.mu.Unlock()
}

// Table returns the table descriptor.
func (l *SyncedList) Table() *schema.Table {
	return l.table
}

// Get implements RecordList.
func (l *SyncedList) Get(id uuid.UUID) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyRecord(l.rows[id])
}

// Contains implements RecordList.
func (l *SyncedList) Contains(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[id]
	return ok
}

// IDs implements RecordList.
func (l *SyncedList) IDs() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.ids()
}

// Set applies an update of existing rows to the cache and sends it.
func (l *SyncedList) Set(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]crud.Item, 0, len(records))
	for _, rec := range records {
		if _, ok := recordID(rec); !ok {
			return ErrNoID
		}
		item, err := l.table.Convert(knownProperties(l.table, rec))
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	l.apply(items)
	l.request(crud.NewUpdate(l.channel, l.table.Name, items...).Message()).
		Error(func(e *bus.ErrorMessage) error {
			l.reportError(fmt.Errorf("update %s: %w", l.table.Name, e))
			l.refetchIDs(itemIDs(items))
			return nil
		}).Send()
	return nil
}

// Add applies new rows to the cache and sends a create. Records without an id get a new one.
func (l *SyncedList) Add(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]crud.Item, 0, len(records))
	for _, rec := range records {
		rec = copyRecord(rec)
		if _, ok := recordID(rec); !ok {
			rec[schema.IDColumn] = uuid.New().String()
		}
		item, err := l.table.Complete(rec)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	ids := itemIDs(items)
	l.apply(items)
	l.request(crud.NewCreate(l.channel, l.table.Name, items...).Message()).
		Error(func(e *bus.ErrorMessage) error {
			l.reportError(fmt.Errorf("create %s: %w", l.table.Name, e))
			l.drop(ids)
			return nil
		}).Send()
	return nil
}

// Remove drops rows from the cache and sends a delete. If the delete fails, the rows
// are fetched again.
func (l *SyncedList) Remove(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	l.drop(ids)
	l.request(crud.NewDelete(l.channel, l.table.Name, crud.UUIDs(ids...)).Message()).
		Error(func(e *bus.ErrorMessage) error {
			l.reportError(fmt.Errorf("delete %s: %w", l.table.Name, e))
			l.FetchOnce(filter.Where(filter.In(schema.IDColumn, crud.UUIDs(ids...)...)))
			return nil
		}).Send()
	return nil
}

// SetFocus sets the filter of incremental refetches and fetches from the start.
func (l *SyncedList) SetFocus(f filter.Filter) {
	l.mu.Lock()
	l.focus = f
	l.cursor = 0
	l.cursorID = ""
	l.mu.Unlock()
	l.Refetch()
}

// Cursor returns the highest updated_at seen so far, -1 without focus.
func (l *SyncedList) Cursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// Refetch asks for focused rows changed since the cursor. It does nothing until a focus is set.
func (l *SyncedList) Refetch() *bus.Request {
	l.mu.Lock()
	if l.cursor == noCursor {
		l.mu.Unlock()
		return nil
	}
	since, sinceID := l.cursor, l.cursorID
	idx := crud.NewIndex(l.channel, l.table.Name).
		SetFilter(l.focus).
		SetLimit(l.pageSize).
		SetSince(since).
		SetSinceID(sinceID)
	l.mu.Unlock()

	return l.request(idx.Message()).Then(func(reply *bus.Message) error {
		return l.indexed(reply, since, sinceID)
	}).Send()
}

// RefetchRow reads one row again.
func (l *SyncedList) RefetchRow(id uuid.UUID) *bus.Request {
	return l.request(crud.NewRead(l.channel, l.table.Name, crud.UUIDs(id)).Message()).Send()
}

// FetchOnce loads rows matching f without touching the cursor.
func (l *SyncedList) FetchOnce(f filter.Filter) *bus.Request {
	l.mu.Lock()
	idx := crud.NewIndex(l.channel, l.table.Name).SetFilter(f).SetLimit(l.pageSize)
	l.mu.Unlock()

	return l.request(idx.Message()).Then(func(reply *bus.Message) error {
		return l.indexed(reply, noCursor, "")
	}).Send()
}

// Receive applies CRUD results seen on the table channel. Index results are applied by
// the request which asked for them.
func (l *SyncedList) Receive(msg *bus.Message) error {
	if msg.Channel != l.channel || msg.IsError() {
		return nil
	}
	base, isResult := crud.SplitCommand(msg.Command)
	if !isResult || base == crud.CmdIndex || !crud.IsCRUD(base) {
		return nil
	}
	res, err := crud.ParseResult(msg)
	if err != nil {
		logs.Warn.Println("synced list: bad result", l.table.Name, err)
		return nil
	}
	if res.Table != l.table.Name {
		return nil
	}

	if base == crud.CmdDelete {
		l.drop(crud.ParseUUIDs(res.IDs))
	} else {
		l.apply(res.Items)
	}
	return nil
}

// Reset refetches after the connection to the server was restored.
func (l *SyncedList) Reset() {
	l.Refetch()
}

// indexed applies an index result. With since other than noCursor it advances the cursor
// to the last row of the page and continues with the next page when the page was full.
func (l *SyncedList) indexed(reply *bus.Message, since int64, sinceID string) error {
	res, err := crud.ParseResult(reply)
	if err != nil {
		return err
	}
	l.apply(res.Items)
	if since == noCursor {
		return nil
	}

	latest, latestID := since, sinceID
	for _, it := range res.Items {
		ts, ok := toInt64(it[schema.UpdatedAtColumn])
		if !ok {
			continue
		}
		id, ok := recordID(it)
		if !ok {
			continue
		}
		if ts > latest || (ts == latest && id.String() > latestID) {
			latest, latestID = ts, id.String()
		}
	}
	l.mu.Lock()
	advanced := l.cursor == since && l.cursorID == sinceID && (latest != since || latestID != sinceID)
	if advanced {
		l.cursor, l.cursorID = latest, latestID
	}
	full := len(res.Items) >= l.pageSize
	l.mu.Unlock()

	if advanced && full {
		l.Refetch()
	}
	return nil
}

// apply merges items into the cache. A new row missing a required column is not
// cached, the full row is read instead.
func (l *SyncedList) apply(items []crud.Item) {
	var evs []event
	var reads []uuid.UUID

	l.mu.Lock()
	for _, it := range items {
		id, ok := recordID(it)
		if !ok {
			logs.Warn.Println("synced list: item without id", l.table.Name)
			continue
		}
		row, exists := l.rows[id]
		if !exists {
			if len(l.table.MissingRequired(it)) > 0 {
				if _, pending := l.pendingReads[id]; !pending {
					l.pendingReads[id] = struct{}{}
					reads = append(reads, id)
				}
				continue
			}
			rec, err := l.table.Convert(knownProperties(l.table, it))
			if err != nil {
				logs.Warn.Println("synced list: bad row", l.table.Name, id, err)
				continue
			}
			delete(l.pendingReads, id)
			l.rows[id] = rec
			l.order.add(id)
			evs = append(evs, event{kind: evAdded, id: id})
			continue
		}

		delete(l.pendingReads, id)
		for prop, v := range knownProperties(l.table, it) {
			col, _ := l.table.Column(prop)
			conv, err := col.Convert(v)
			if err != nil {
				logs.Warn.Println("synced list: bad value", l.table.Name, id, err)
				continue
			}
			if old, ok := row[prop]; ok && bus.DataEqual(old, conv) {
				continue
			}
			row[prop] = conv
			evs = append(evs, event{kind: evChanged, id: id, property: prop})
		}
	}
	l.mu.Unlock()

	l.emit(evs)
	for _, id := range reads {
		id := id
		l.request(crud.NewRead(l.channel, l.table.Name, crud.UUIDs(id)).Message()).
			Error(func(e *bus.ErrorMessage) error {
				l.mu.Lock()
				delete(l.pendingReads, id)
				l.mu.Unlock()
				return e
			}).Send()
	}
}

// drop removes rows from the cache.
func (l *SyncedList) drop(ids []uuid.UUID) {
	var evs []event
	l.mu.Lock()
	for _, id := range ids {
		if _, ok := l.rows[id]; ok {
			delete(l.rows, id)
			l.order.remove(id)
			evs = append(evs, event{kind: evRemoved, id: id})
		}
	}
	l.mu.Unlock()
	l.emit(evs)
}

func (l *SyncedList) refetchIDs(ids []uuid.UUID) {
	if len(ids) > 0 {
		l.request(crud.NewRead(l.channel, l.table.Name, crud.UUIDs(ids...)).Message()).Send()
	}
}

// request creates a self-releasing request with the list's timeout settings.
func (l *SyncedList) request(msg *bus.Message) *bus.Request {
	l.mu.Lock()
	timeout, retries := l.timeout, l.retries
	l.mu.Unlock()

	req := l.Request(msg)
	if timeout > 0 {
		req.SetTimeout(timeout, retries)
	}
	return req
}

func (l *SyncedList) reportError(err error) {
	l.mu.Lock()
	f := l.onError
	l.mu.Unlock()
	if f != nil {
		f(err)
	} else {
		logs.Warn.Println("synced list:", err)
	}
}

// knownProperties drops properties which are not columns of the table.
func knownProperties(table *schema.Table, rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		if _, ok := table.Column(k); ok {
			out[k] = v
		}
	}
	return out
}

func itemIDs(items []crud.Item) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		if id, ok := recordID(it); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
