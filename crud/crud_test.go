package crud

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/filter"
)

// overWire simulates transmission of a message to a peer.
func overWire(t *testing.T, msg *bus.Message) *bus.Message {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var out bus.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestIndexOptions(t *testing.T) {
	idx := NewIndex("orders", "orders").
		SetFilter(filter.Where(filter.Eq("status", "open"))).
		SetLimit(250).
		SetOffset(10).
		SetOrder("total", false).
		SetSince(100)

	data := idx.Message().DataObject()
	for _, key := range []string{"table", "filter", "limit", "offset", "order", "orderAsc", "since"} {
		if _, ok := data[key]; !ok {
			t.Errorf("payload is missing %q", key)
		}
	}

	parsed, err := ParseIndex(overWire(t, idx.Message()))
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Table != "orders" || parsed.Limit != 250 || parsed.Offset != 10 || parsed.Since != 100 {
		t.Errorf("unexpected fields %+v", parsed)
	}
	if parsed.Order != (Order{Property: "total", Ascending: false}) {
		t.Errorf("unexpected order %+v", parsed.Order)
	}
	if !parsed.Filter.Matches(map[string]any{"status": "open"}) || parsed.Filter.Matches(map[string]any{"status": "closed"}) {
		t.Error("filter did not survive the wire")
	}

	idx.SetFilter(filter.Filter{}).SetLimit(Unset).SetOffset(Unset).SetOrder("", true).SetSince(Unset)
	if diff := cmp.Diff(map[string]any{"table": "orders"}, idx.Message().DataObject()); diff != "" {
		t.Errorf("cleared payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSuccessReplies(t *testing.T) {
	h := bus.NewHub()
	asker := bus.NewActor(h, bus.ReceiverFunc(func(*bus.Message) error { return nil }))
	var got []*bus.Message
	server := bus.NewActor(h, bus.ReceiverFunc(func(msg *bus.Message) error {
		got = append(got, msg)
		return nil
	}))
	server.SubscribeTo("orders")
	asker.SubscribeTo("orders")

	id := uuid.New()
	item := Item{"id": id.String(), "status": "open"}

	asker.Send(NewIndex("orders", "orders").Message())
	asker.Send(NewCreate("orders", "orders", item).Message())
	asker.Send(NewUpdate("orders", "orders", item).Message())
	asker.Send(NewDelete("orders", "orders", UUIDs(id)).Message())
	asker.Send(NewRead("orders", "orders", UUIDs(id), "status").Message())
	if len(got) != 5 {
		t.Fatalf("expected 5 requests, got %d", len(got))
	}

	idx, _ := ParseIndex(got[0])
	reply := idx.CreateSuccessReply([]Item{item})
	if reply.To() != asker || reply.Command != "index:result" || reply.ReplyTo != got[0].ID {
		t.Errorf("index reply must be targeted at the asker: %v", reply)
	}

	create, _ := ParseCreate(got[1])
	if r := create.CreateSuccessReply([]Item{item}); r.To() != nil || r.Command != "create:result" {
		t.Errorf("create reply must be broadcast: %v", r)
	}

	update, _ := ParseUpdate(got[2])
	if r := update.CreateSuccessReply(); !bus.DataEqual(r.Data, got[2].Data) || r.Command != "update:result" {
		t.Errorf("update reply must echo the request: %v", r)
	}

	del, _ := ParseDelete(got[3])
	res, err := ParseResult(overWire(t, del.CreateSuccessReply()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Command != CmdDelete || res.Table != "orders" {
		t.Errorf("unexpected result %+v", res)
	}
	if diff := cmp.Diff([]uuid.UUID{id}, ParseUUIDs(res.IDs)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	read, err := ParseRead(overWire(t, got[4]))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"status"}, read.Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	res, err = ParseResult(overWire(t, read.CreateSuccessReply([]Item{item})))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 1 || res.Items[0]["status"] != "open" {
		t.Errorf("unexpected items %v", res.Items)
	}
}

func TestMalformedPayloads(t *testing.T) {
	cases := []*bus.Message{
		bus.NewMessage("orders", CmdCreate, "not an object"),
		bus.NewMessage("orders", CmdCreate, map[string]any{"items": []any{}}),
		bus.NewMessage("orders", CmdCreate, map[string]any{"table": "orders", "items": []any{1}}),
		bus.NewMessage("orders", CmdIndex, map[string]any{"table": "orders", "limit": "ten"}),
		bus.NewMessage("orders", CmdIndex, map[string]any{"table": "orders", "filter": map[string]any{"o": "xor"}}),
	}
	for i, msg := range cases {
		var err error
		if msg.Command == CmdIndex {
			_, err = ParseIndex(msg)
		} else {
			_, err = ParseCreate(msg)
		}
		if !errors.Is(err, ErrBadPayload) {
			t.Errorf("case %d: expected ErrBadPayload, got %v", i, err)
		}
	}
	if _, err := ParseResult(bus.NewMessage("orders", "index", map[string]any{"table": "orders"})); err == nil {
		t.Error("a request is not a result")
	}
}
