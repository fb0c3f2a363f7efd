/******************************************************************************
 *
 *  Description :
 *    Typed views of CRUD messages: create, read, update, delete and index
 *    requests and their ':result' replies.
 *
 *****************************************************************************/

package crud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tinode/tablesync/bus"
)

// Commands.
const (
	CmdCreate = "create"
	CmdRead   = "read"
	CmdUpdate = "update"
	CmdDelete = "delete"
	CmdIndex  = "index"

	// ResultSuffix is appended to the request command in a success reply.
	ResultSuffix = ":result"
)

// ErrBadPayload is returned when a message payload does not have the expected shape.
var ErrBadPayload = errors.New("crud: malformed payload")

// Item is a record as transmitted in a payload.
type Item = map[string]any

// ResultCommand returns the reply command for a request command.
func ResultCommand(command string) string {
	return command + ResultSuffix
}

// SplitCommand separates "index:result" into "index" and true.
func SplitCommand(command string) (string, bool) {
	if base, ok := strings.CutSuffix(command, ResultSuffix); ok {
		return base, true
	}
	return command, false
}

// IsCRUD checks if the command, or the command of which it is a result, is a CRUD command.
func IsCRUD(command string) bool {
	base, _ := SplitCommand(command)
	switch base {
	case CmdCreate, CmdRead, CmdUpdate, CmdDelete, CmdIndex:
		return true
	}
	return false
}

func itemsToData(items []Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

func payload(msg *bus.Message) (map[string]any, string, error) {
	obj := msg.DataObject()
	if obj == nil {
		return nil, "", fmt.Errorf("%w: %s is not an object", ErrBadPayload, msg.Command)
	}
	table, ok := obj["table"].(string)
	if !ok || table == "" {
		return nil, "", fmt.Errorf("%w: %s without table", ErrBadPayload, msg.Command)
	}
	return obj, table, nil
}

func parseItems(v any) ([]Item, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []Item:
		return list, nil
	case []any:
		items := make([]Item, 0, len(list))
		for _, el := range list {
			it, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: item is not an object", ErrBadPayload)
			}
			items = append(items, it)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: items is not an array", ErrBadPayload)
}

func parseIDs(v any) ([]any, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: ids is not an array", ErrBadPayload)
}

// UUIDs converts record ids to their wire form.
func UUIDs(ids ...uuid.UUID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ParseUUIDs converts wire ids to UUIDs, skipping ids which are not UUIDs.
func ParseUUIDs(ids []any) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, v := range ids {
		if id, ok := ToUUID(v); ok {
			out = append(out, id)
		}
	}
	return out
}

// ToUUID converts a wire value to UUID.
func ToUUID(v any) (uuid.UUID, bool) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, true
	case string:
		parsed, err := uuid.Parse(id)
		return parsed, err == nil
	}
	return uuid.Nil, false
}

// Create asks to insert new records.
type Create struct {
	Table string
	Items []Item
	msg   *bus.Message
}

// NewCreate builds a create request.
func NewCreate(channel, table string, items ...Item) *Create {
	return &Create{
		Table: table,
		Items: items,
		msg:   bus.NewMessage(channel, CmdCreate, Item{"table": table, "items": itemsToData(items)}),
	}
}

// ParseCreate views a message as a create request.
func ParseCreate(msg *bus.Message) (*Create, error) {
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	items, err := parseItems(obj["items"])
	if err != nil {
		return nil, err
	}
	return &Create{Table: table, Items: items, msg: msg}, nil
}

// Message returns the underlying message.
func (c *Create) Message() *bus.Message { return c.msg }

// CreateSuccessReply returns create:result with the stored records, broadcast on the channel.
func (c *Create) CreateSuccessReply(items []Item) *bus.Message {
	return c.msg.CreateReply(ResultCommand(CmdCreate), Item{"table": c.Table, "items": itemsToData(items)})
}

// Read asks for full records by id.
type Read struct {
	Table      string
	IDs        []any
	Properties []string
	msg        *bus.Message
}

// NewRead builds a read request. Empty properties mean all columns.
func NewRead(channel, table string, ids []any, properties ...string) *Read {
	props := make([]any, len(properties))
	for i, p := range properties {
		props[i] = p
	}
	return &Read{
		Table:      table,
		IDs:        ids,
		Properties: properties,
		msg:        bus.NewMessage(channel, CmdRead, Item{"table": table, "ids": ids, "properties": props}),
	}
}

// ParseRead views a message as a read request.
func ParseRead(msg *bus.Message) (*Read, error) {
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(obj["ids"])
	if err != nil {
		return nil, err
	}
	r := &Read{Table: table, IDs: ids, msg: msg}
	if props, ok := obj["properties"].([]any); ok {
		for _, p := range props {
			if s, ok := p.(string); ok {
				r.Properties = append(r.Properties, s)
			}
		}
	}
	return r, nil
}

// Message returns the underlying message.
func (r *Read) Message() *bus.Message { return r.msg }

// CreateSuccessReply returns read:result with the requested records.
func (r *Read) CreateSuccessReply(items []Item) *bus.Message {
	return r.msg.CreateReply(ResultCommand(CmdRead), Item{"table": r.Table, "items": itemsToData(items)})
}

// Update asks to change properties of existing records. Items carry the id and changed properties only.
type Update struct {
	Table string
	Items []Item
	msg   *bus.Message
}

// NewUpdate builds an update request.
func NewUpdate(channel, table string, items ...Item) *Update {
	return &Update{
		Table: table,
		Items: items,
		msg:   bus.NewMessage(channel, CmdUpdate, Item{"table": table, "items": itemsToData(items)}),
	}
}

// ParseUpdate views a message as an update request.
func ParseUpdate(msg *bus.Message) (*Update, error) {
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	items, err := parseItems(obj["items"])
	if err != nil {
		return nil, err
	}
	return &Update{Table: table, Items: items, msg: msg}, nil
}

// Message returns the underlying message.
func (u *Update) Message() *bus.Message { return u.msg }

// CreateSuccessReply returns update:result echoing the request payload.
func (u *Update) CreateSuccessReply() *bus.Message {
	return u.msg.CreateReply(ResultCommand(CmdUpdate), u.msg.Data)
}

// Delete asks to remove records by id.
type Delete struct {
	Table string
	IDs   []any
	msg   *bus.Message
}

// NewDelete builds a delete request.
func NewDelete(channel, table string, ids []any) *Delete {
	return &Delete{
		Table: table,
		IDs:   ids,
		msg:   bus.NewMessage(channel, CmdDelete, Item{"table": table, "ids": ids}),
	}
}

// ParseDelete views a message as a delete request.
func ParseDelete(msg *bus.Message) (*Delete, error) {
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	ids, err := parseIDs(obj["ids"])
	if err != nil {
		return nil, err
	}
	return &Delete{Table: table, IDs: ids, msg: msg}, nil
}

// Message returns the underlying message.
func (d *Delete) Message() *bus.Message { return d.msg }

// CreateSuccessReply returns delete:result echoing the request payload.
func (d *Delete) CreateSuccessReply() *bus.Message {
	return d.msg.CreateReply(ResultCommand(CmdDelete), d.msg.Data)
}

// Result is a parsed ':result' reply.
type Result struct {
	// Request command without the suffix.
	Command string
	Table   string
	Items   []Item
	IDs     []any
	Msg     *bus.Message
}

// ParseResult views a ':result' reply.
func ParseResult(msg *bus.Message) (*Result, error) {
	base, ok := SplitCommand(msg.Command)
	if !ok || !IsCRUD(base) {
		return nil, fmt.Errorf("%w: %s is not a CRUD result", ErrBadPayload, msg.Command)
	}
	obj, table, err := payload(msg)
	if err != nil {
		return nil, err
	}
	res := &Result{Command: base, Table: table, Msg: msg}
	if res.Items, err = parseItems(obj["items"]); err != nil {
		return nil, err
	}
	if res.IDs, err = parseIDs(obj["ids"]); err != nil {
		return nil, err
	}
	return res, nil
}
