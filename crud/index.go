package crud

import (
	"fmt"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/filter"
)

// Unset is the value of Index.Limit, Offset and Since when they are not sent.
const Unset = -1

// Order is the sort order of an index request.
type Order struct {
	Property  string
	Ascending bool
}

// Index asks for the records of a table matching a filter. Every field is optional.
type Index struct {
	Table  string
	Filter filter.Filter
	Limit  int
	Offset int
	Order  Order
	// Only records changed after this cursor.
	Since int64
	// With Since, records changed exactly at Since are included when their id sorts
	// after SinceID. Pages of rows sharing one timestamp then resume where they stopped.
	SinceID string

	msg *bus.Message
}

// NewIndex builds an index request without options.
func NewIndex(channel, table string) *Index {
	i := &Index{
		Table:  table,
		Limit:  Unset,
		Offset: Unset,
		Since:  Unset,
		msg:    bus.NewMessage(channel, CmdIndex, nil),
	}
	i.sync()
	return i
}

// sync rebuilds the payload from the fields. Only valid before the message is sent.
func (i *Index) sync() {
	data := Item{"table": i.Table}
	if !i.Filter.IsEmpty() {
		data["filter"] = i.Filter.ToJSON()
	}
	if i.Limit != Unset {
		data["limit"] = i.Limit
	}
	if i.Offset != Unset {
		data["offset"] = i.Offset
	}
	if i.Order.Property != "" {
		data["order"] = i.Order.Property
		data["orderAsc"] = i.Order.Ascending
	}
	if i.Since != Unset {
		data["since"] = i.Since
		if i.SinceID != "" {
			data["sinceId"] = i.SinceID
		}
	}
	i.msg.Data = data
}

// SetFilter sets or, with an empty filter, clears the filter.
func (i *Index) SetFilter(f filter.Filter) *Index {
	i.Filter = f
	i.sync()
	return i
}

// SetLimit sets or, with Unset, clears the limit.
func (i *Index) SetLimit(limit int) *Index {
	i.Limit = limit
	i.sync()
	return i
}

// SetOffset sets or, with Unset, clears the offset.
func (i *Index) SetOffset(offset int) *Index {
	i.Offset = offset
	i.sync()
	return i
}

// SetOrder sets or, with an empty property, clears the order.
func (i *Index) SetOrder(property string, ascending bool) *Index {
	i.Order = Order{Property: property, Ascending: ascending}
	i.sync()
	return i
}

// SetSince sets or, with Unset, clears the since cursor.
func (i *Index) SetSince(since int64) *Index {
	i.Since = since
	i.sync()
	return i
}

// SetSinceID sets the id of the last record seen at the since cursor.
func (i *Index) SetSinceID(id string) *Index {
	i.SinceID = id
	i.sync()
	return i
}

// Message returns the underlying message.
func (i *Index) Message() *bus.Message { return i.msg }

// CreateSuccessReply returns index:result targeted at the requester.
func (i *Index) CreateSuccessReply(items []Item) *bus.Message {
	return i.msg.CreateTargetedReply(ResultCommand(CmdIndex), Item{"table": i.Table, "items": itemsToData(items)})
}

func intField(obj map[string]any, key string) (int64, bool, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return Unset, false, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true, nil
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	}
	return Unset, false, fmt.Errorf("%w: %s is not a number", ErrBadPayload, key)
}

// ParseIndex views a message as an index request.
func ParseIndex(msg *bus.Message) (*Index, error) {
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	i := &Index{Table: table, Limit: Unset, Offset: Unset, Since: Unset, msg: msg}
	if f, ok := obj["filter"]; ok && f != nil {
		if i.Filter, err = filter.FromJSON(f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	n, ok, err := intField(obj, "limit")
	if err != nil {
		return nil, err
	} else if ok {
		i.Limit = int(n)
	}
	if n, ok, err = intField(obj, "offset"); err != nil {
		return nil, err
	} else if ok {
		i.Offset = int(n)
	}
	if i.Since, _, err = intField(obj, "since"); err != nil {
		return nil, err
	}
	if i.Since != Unset {
		i.SinceID, _ = obj["sinceId"].(string)
	}
	if prop, ok := obj["order"].(string); ok && prop != "" {
		asc, _ := obj["orderAsc"].(bool)
		i.Order = Order{Property: prop, Ascending: asc}
	}
	return i, nil
}
