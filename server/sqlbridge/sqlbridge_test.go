package sqlbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/filter"
	"github.com/tinode/tablesync/lists"
	"github.com/tinode/tablesync/schema"
)

var (
	id1 = uuid.MustParse("10000000-0000-0000-0000-000000000001")
	id2 = uuid.MustParse("10000000-0000-0000-0000-000000000002")
	id3 = uuid.MustParse("10000000-0000-0000-0000-000000000003")
)

func ordersTable() *schema.Table {
	return &schema.Table{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", Type: schema.UUID},
			{Name: "status", Type: schema.Text, Default: "open"},
			{Name: "total", Type: schema.Integer},
			{Name: "paid", Type: schema.Boolean, Default: false},
			{Name: "meta", Type: schema.JSON, Nullable: true},
			{Name: "updated_at", Type: schema.Integer},
		},
	}
}

func newBridge(t *testing.T) *bus.Hub {
	t.Helper()

	clock := int64(1000)
	return newBridgeClock(t, func() int64 {
		clock += 10
		return clock
	})
}

func newBridgeClock(t *testing.T, now func() int64) *bus.Hub {
	t.Helper()

	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	hub := bus.NewHub()
	tbl := NewTable(hub, db, "orders", ordersTable())
	tbl.now = now
	require.NoError(t, tbl.EnsureTable(context.Background()))
	// Creating twice is harmless.
	require.NoError(t, tbl.EnsureTable(context.Background()))
	t.Cleanup(tbl.Stop)
	return hub
}

func do(t *testing.T, hub *bus.Hub, msg *bus.Message) (*bus.Message, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply *bus.Message
	err := bus.NewRequest(hub, msg).
		FailOnError().
		DeleteOnFinished().
		Then(func(r *bus.Message) error {
			reply = r
			return nil
		}).
		SendAndWait(ctx)
	return reply, err
}

func items(t *testing.T, reply *bus.Message) []crud.Item {
	t.Helper()
	res, err := crud.ParseResult(reply)
	require.NoError(t, err)
	return res.Items
}

func seed(t *testing.T, hub *bus.Hub) {
	t.Helper()
	_, err := do(t, hub, crud.NewCreate("orders", "orders",
		crud.Item{"id": id1.String(), "total": 10, "meta": map[string]any{"tag": "a"}},
		crud.Item{"id": id2.String(), "status": "closed", "total": 20},
		crud.Item{"id": id3.String(), "status": "closed", "total": 30, "paid": true},
	).Message())
	require.NoError(t, err)
}

func TestCreateAndRead(t *testing.T) {
	hub := newBridge(t)

	reply, err := do(t, hub, crud.NewCreate("orders", "orders",
		crud.Item{"id": id1.String(), "total": 10, "meta": map[string]any{"tag": "a"}},
	).Message())
	require.NoError(t, err)
	require.Equal(t, "create:result", reply.Command)
	require.Nil(t, reply.To())

	stored := items(t, reply)
	require.Len(t, stored, 1)
	require.Equal(t, "open", stored[0]["status"])
	require.Equal(t, false, stored[0]["paid"])
	require.Equal(t, int64(1010), stored[0]["updated_at"])

	reply, err = do(t, hub, crud.NewRead("orders", "orders", crud.UUIDs(id1)).Message())
	require.NoError(t, err)
	rows := items(t, reply)
	require.Len(t, rows, 1)
	require.Equal(t, crud.Item{
		"id":         id1.String(),
		"status":     "open",
		"total":      int64(10),
		"paid":       false,
		"meta":       map[string]any{"tag": "a"},
		"updated_at": int64(1010),
	}, rows[0])

	reply, err = do(t, hub, crud.NewRead("orders", "orders", crud.UUIDs(id1), "total").Message())
	require.NoError(t, err)
	require.Equal(t, []crud.Item{{"id": id1.String(), "total": int64(10)}}, items(t, reply))
}

func TestCreateRejectsExisting(t *testing.T) {
	hub := newBridge(t)
	seed(t, hub)

	_, err := do(t, hub, crud.NewCreate("orders", "orders", crud.Item{"id": id1.String(), "total": 5}).Message())
	var em *bus.ErrorMessage
	require.True(t, errors.As(err, &em), "expected an error reply, got %v", err)
	require.Equal(t, ErrRecordExists.Error(), em.Text())

	// The failed create did not touch the stored row.
	reply, err := do(t, hub, crud.NewRead("orders", "orders", crud.UUIDs(id1), "total").Message())
	require.NoError(t, err)
	require.Equal(t, int64(10), items(t, reply)[0]["total"])
}

func TestCreateMissingColumn(t *testing.T) {
	hub := newBridge(t)

	_, err := do(t, hub, crud.NewCreate("orders", "orders", crud.Item{"id": id1.String()}).Message())
	require.Error(t, err)
	require.Contains(t, err.Error(), "total")
}

func TestUpdate(t *testing.T) {
	hub := newBridge(t)
	seed(t, hub)

	msg := crud.NewUpdate("orders", "orders", crud.Item{"id": id2.String(), "total": 25}).Message()
	reply, err := do(t, hub, msg)
	require.NoError(t, err)
	require.Equal(t, "update:result", reply.Command)
	require.True(t, bus.DataEqual(msg.Data, reply.Data))

	reply, err = do(t, hub, crud.NewRead("orders", "orders", crud.UUIDs(id2)).Message())
	require.NoError(t, err)
	row := items(t, reply)[0]
	require.Equal(t, int64(25), row["total"])
	require.Equal(t, "closed", row["status"])
	// Seeded at 1010..1030, updated next.
	require.Equal(t, int64(1040), row["updated_at"])

	_, err = do(t, hub, crud.NewUpdate("orders", "orders", crud.Item{"id": uuid.NewString(), "total": 1}).Message())
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrRecordNotFound.Error())

	_, err = do(t, hub, crud.NewUpdate("orders", "orders", crud.Item{"id": id2.String(), "color": "red"}).Message())
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	hub := newBridge(t)
	seed(t, hub)

	_, err := do(t, hub, crud.NewDelete("orders", "orders", crud.UUIDs(id1, uuid.New())).Message())
	require.Error(t, err)

	reply, err := do(t, hub, crud.NewDelete("orders", "orders", crud.UUIDs(id1)).Message())
	require.NoError(t, err)
	require.Equal(t, "delete:result", reply.Command)

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").Message())
	require.NoError(t, err)
	rows := items(t, reply)
	require.Len(t, rows, 2)
	require.Equal(t, id2.String(), rows[0]["id"])
	require.Equal(t, id3.String(), rows[1]["id"])
}

func TestIndex(t *testing.T) {
	hub := newBridge(t)
	seed(t, hub)

	ids := func(reply *bus.Message) []string {
		var out []string
		for _, it := range items(t, reply) {
			out = append(out, it["id"].(string))
		}
		return out
	}

	reply, err := do(t, hub, crud.NewIndex("orders", "orders").Message())
	require.NoError(t, err)
	require.NotNil(t, reply.To())
	require.Equal(t, []string{id1.String(), id2.String(), id3.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").SetSince(1010).Message())
	require.NoError(t, err)
	require.Equal(t, []string{id2.String(), id3.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").
		SetFilter(filter.Where(filter.Eq("status", "closed"))).
		SetOrder("total", false).
		Message())
	require.NoError(t, err)
	require.Equal(t, []string{id3.String(), id2.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").SetLimit(1).SetOffset(1).Message())
	require.NoError(t, err)
	require.Equal(t, []string{id2.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").SetOffset(2).Message())
	require.NoError(t, err)
	require.Equal(t, []string{id3.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").
		SetFilter(filter.New(filter.Or, filter.Gt("total", 25), filter.In("id", id1.String()))).
		Message())
	require.NoError(t, err)
	require.Equal(t, []string{id1.String(), id3.String()}, ids(reply))

	// Patterns match anywhere in the value, ignoring case.
	reply, err = do(t, hub, crud.NewIndex("orders", "orders").
		SetFilter(filter.Where(filter.Matching("status", "LOS"))).
		Message())
	require.NoError(t, err)
	require.Equal(t, []string{id2.String(), id3.String()}, ids(reply))

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").
		SetFilter(filter.Where(filter.Matching("status", "o*n").Not())).
		Message())
	require.NoError(t, err)
	require.Equal(t, []string{id2.String(), id3.String()}, ids(reply))

	_, err = do(t, hub, crud.NewIndex("orders", "orders").SetFilter(filter.Where(filter.Eq("color", "red"))).Message())
	require.Error(t, err)
}

func TestIndexSameTimestamp(t *testing.T) {
	hub := newBridgeClock(t, func() int64 { return 5000 })
	seed(t, hub)

	reply, err := do(t, hub, crud.NewIndex("orders", "orders").SetLimit(2).SetSince(0).Message())
	require.NoError(t, err)
	page := items(t, reply)
	require.Len(t, page, 2)
	require.Equal(t, id2.String(), page[1]["id"])

	reply, err = do(t, hub, crud.NewIndex("orders", "orders").
		SetLimit(2).SetSince(5000).SetSinceID(id2.String()).Message())
	require.NoError(t, err)
	page = items(t, reply)
	require.Len(t, page, 1)
	require.Equal(t, id3.String(), page[0]["id"])

	// Without an id every row at the cursor timestamp counts as seen.
	reply, err = do(t, hub, crud.NewIndex("orders", "orders").SetSince(5000).Message())
	require.NoError(t, err)
	require.Empty(t, items(t, reply))
}

func TestSyncedListPagesSameTimestamp(t *testing.T) {
	hub := newBridgeClock(t, func() int64 { return 5000 })
	seed(t, hub)

	l := lists.NewSyncedList(hub, "orders", ordersTable())
	defer l.UnsubscribeFrom("orders")
	l.SetPageSize(2)
	l.SetFocus(filter.Filter{})

	require.Eventually(t, func() bool { return len(l.IDs()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(5000), l.Cursor())
	require.True(t, l.Contains(id3))
}

func TestOtherTablesIgnored(t *testing.T) {
	hub := newBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := bus.NewRequest(hub, crud.NewIndex("orders", "customers").Message()).DeleteOnFinished().SendAndWait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	require.ErrorIs(t, err, ErrUnknownDriver)
}
