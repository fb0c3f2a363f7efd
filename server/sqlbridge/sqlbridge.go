/******************************************************************************
 *
 *  Description :
 *    SQL bridge: a bus actor per table which answers CRUD requests from an
 *    external database. MySQL, PostgreSQL and SQLite are supported.
 *
 *****************************************************************************/

package sqlbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	ms "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/schema"
)

const (
	defaultQueryTimeout = 10 * time.Second
	// Stands in for "no limit" when only an offset is given.
	maxRows = 1 << 62
)

var (
	// ErrRecordExists is returned when a create targets an existing id.
	ErrRecordExists = errors.New("cannot overwrite existing record")
	// ErrRecordNotFound is returned when an update or delete targets a missing id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("sqlbridge: unknown driver")
)

// Database/sql driver name for each store.driver value.
var drivers = map[string]string{
	"mysql":    "mysql",
	"postgres": "pgx",
	"pgx":      "pgx",
	"sqlite":   "sqlite",
}

// Open connects to the database and checks the connection.
func Open(driver, dsn string) (*sqlx.DB, error) {
	name, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func builder(db *sqlx.DB) sq.StatementBuilderType {
	if db.DriverName() == "pgx" {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// Check if the error is a violation of a primary key or unique index.
func isDupe(err error) bool {
	if err == nil {
		return false
	}
	var myerr *ms.MySQLError
	if errors.As(err, &myerr) {
		return myerr.Number == 1062
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Code == "23505"
	}
	var liteerr *sqlite.Error
	if errors.As(err, &liteerr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		return liteerr.Code() == 1555 || liteerr.Code() == 2067
	}
	return false
}

// Table serves CRUD requests for one table on one channel.
type Table struct {
	*bus.ThreadedActor

	db      *sqlx.DB
	sb      sq.StatementBuilderType
	channel string
	table   *schema.Table
	timeout time.Duration

	// Clock for updated_at, epoch milliseconds.
	now func() int64
}

// NewTable creates the actor and subscribes it to the channel.
func NewTable(hub *bus.Hub, db *sqlx.DB, channel string, table *schema.Table) *Table {
	t := &Table{
		db:      db,
		sb:      builder(db),
		channel: channel,
		table:   table,
		timeout: defaultQueryTimeout,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	t.ThreadedActor = bus.NewThreadedActor(hub, t)
	t.SubscribeTo(channel)
	return t
}

// Schema returns the table descriptor.
func (t *Table) Schema() *schema.Table {
	return t.table
}

func sqlType(driver string, c schema.Column) string {
	switch c.Type {
	case schema.Integer:
		return "BIGINT"
	case schema.Real:
		return "DOUBLE PRECISION"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.UUID:
		return "CHAR(36)"
	case schema.JSON:
		if driver == "mysql" {
			return "JSON"
		}
		return "TEXT"
	}
	if driver == "mysql" && c.Name == schema.IDColumn {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// EnsureTable creates the table if it does not exist yet.
func (t *Table) EnsureTable(ctx context.Context) error {
	var cols []string
	for _, c := range t.table.Columns {
		if !validName(c.Name) {
			return fmt.Errorf("sqlbridge: invalid column name %q", c.Name)
		}
		def := c.Name + " " + sqlType(t.db.DriverName(), c)
		if c.Name == schema.IDColumn {
			def += " NOT NULL PRIMARY KEY"
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	if !validName(t.table.Name) {
		return fmt.Errorf("sqlbridge: invalid table name %q", t.table.Name)
	}
	if _, ok := t.table.Column(schema.IDColumn); !ok {
		return fmt.Errorf("sqlbridge: table %s has no id column", t.table.Name)
	}
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.table.Name+"("+strings.Join(cols, ", ")+")")
	return err
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// Received is called on the actor's goroutine. A returned error becomes an error reply to the requester.
func (t *Table) Received(msg *bus.Message) error {
	if msg.IsError() || msg.IsReply() {
		return nil
	}
	if _, isResult := crud.SplitCommand(msg.Command); isResult || !crud.IsCRUD(msg.Command) {
		return nil
	}
	if name, _ := msg.DataObject()["table"].(string); name != t.table.Name {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var reply *bus.Message
	var err error
	switch msg.Command {
	case crud.CmdCreate:
		reply, err = t.create(ctx, msg)
	case crud.CmdRead:
		reply, err = t.read(ctx, msg)
	case crud.CmdUpdate:
		reply, err = t.update(ctx, msg)
	case crud.CmdDelete:
		reply, err = t.delete(ctx, msg)
	case crud.CmdIndex:
		reply, err = t.index(ctx, msg)
	}
	if err != nil {
		return err
	}
	t.Send(reply)
	return nil
}

func (t *Table) create(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := crud.ParseCreate(msg)
	if err != nil {
		return nil, err
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stored := make([]crud.Item, 0, len(req.Items))
	for _, item := range req.Items {
		var rec map[string]any
		if rec, err = t.table.Complete(item); err != nil {
			return nil, err
		}
		var n int
		if n, err = t.count(ctx, tx, []any{rec[schema.IDColumn]}); err != nil {
			return nil, err
		} else if n > 0 {
			err = ErrRecordExists
			return nil, err
		}
		if t.table.HasUpdatedAt() {
			rec[schema.UpdatedAtColumn] = t.now()
		}

		cols := make([]string, 0, len(rec))
		vals := make([]any, 0, len(rec))
		for _, c := range t.table.Columns {
			v, ok := rec[c.Name]
			if !ok {
				continue
			}
			var arg any
			if arg, err = c.ToSQL(v); err != nil {
				return nil, err
			}
			cols = append(cols, c.Name)
			vals = append(vals, arg)
		}
		var query string
		var args []any
		if query, args, err = t.sb.Insert(t.table.Name).Columns(cols...).Values(vals...).ToSql(); err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			if isDupe(err) {
				err = ErrRecordExists
			}
			return nil, err
		}
		stored = append(stored, rec)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return req.CreateSuccessReply(stored), nil
}

func (t *Table) read(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := crud.ParseRead(msg)
	if err != nil {
		return nil, err
	}
	ids := crud.UUIDs(crud.ParseUUIDs(req.IDs)...)
	if len(ids) == 0 {
		return req.CreateSuccessReply(nil), nil
	}
	cols, err := t.projection(req.Properties)
	if err != nil {
		return nil, err
	}
	query, args, err := t.sb.Select(cols...).From(t.table.Name).Where(sq.Eq{schema.IDColumn: ids}).ToSql()
	if err != nil {
		return nil, err
	}
	items, err := t.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return req.CreateSuccessReply(items), nil
}

func (t *Table) update(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := crud.ParseUpdate(msg)
	if err != nil {
		return nil, err
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, item := range req.Items {
		id, ok := crud.ToUUID(item[schema.IDColumn])
		if !ok {
			err = fmt.Errorf("%w: update without id", crud.ErrBadPayload)
			return nil, err
		}
		props := make(map[string]any, len(item))
		for k, v := range item {
			if k != schema.IDColumn && k != schema.UpdatedAtColumn {
				props[k] = v
			}
		}
		var conv map[string]any
		if conv, err = t.table.Convert(props); err != nil {
			return nil, err
		}
		set := make(map[string]any, len(conv)+1)
		for k, v := range conv {
			c, _ := t.table.Column(k)
			if set[k], err = c.ToSQL(v); err != nil {
				return nil, err
			}
		}
		if t.table.HasUpdatedAt() {
			set[schema.UpdatedAtColumn] = t.now()
		}

		var n int
		if n, err = t.count(ctx, tx, []any{id.String()}); err != nil {
			return nil, err
		} else if n == 0 {
			err = fmt.Errorf("%w: %s", ErrRecordNotFound, id)
			return nil, err
		}
		if len(set) == 0 {
			continue
		}
		var query string
		var args []any
		if query, args, err = t.sb.Update(t.table.Name).SetMap(set).
			Where(sq.Eq{schema.IDColumn: id.String()}).ToSql(); err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return req.CreateSuccessReply(), nil
}

func (t *Table) delete(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := crud.ParseDelete(msg)
	if err != nil {
		return nil, err
	}
	uniq := make(map[string]struct{})
	var ids []any
	for _, id := range crud.ParseUUIDs(req.IDs) {
		if _, seen := uniq[id.String()]; !seen {
			uniq[id.String()] = struct{}{}
			ids = append(ids, id.String())
		}
	}
	if len(ids) != len(req.IDs) {
		return nil, fmt.Errorf("%w: ids must be distinct UUIDs", crud.ErrBadPayload)
	}
	if len(ids) == 0 {
		return req.CreateSuccessReply(), nil
	}

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var n int
	if n, err = t.count(ctx, tx, ids); err != nil {
		return nil, err
	} else if n != len(ids) {
		err = fmt.Errorf("%w: %d of %d", ErrRecordNotFound, len(ids)-n, len(ids))
		return nil, err
	}
	var query string
	var args []any
	if query, args, err = t.sb.Delete(t.table.Name).Where(sq.Eq{schema.IDColumn: ids}).ToSql(); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return req.CreateSuccessReply(), nil
}

func (t *Table) index(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	req, err := crud.ParseIndex(msg)
	if err != nil {
		return nil, err
	}

	q := t.sb.Select(t.table.ColumnNames()...).From(t.table.Name)
	if !req.Filter.IsEmpty() {
		for _, prop := range req.Filter.Properties() {
			if _, ok := t.table.Column(prop); !ok {
				return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownColumn, t.table.Name, prop)
			}
		}
		q = q.Where(req.Filter)
	}
	if req.Since != crud.Unset && t.table.HasUpdatedAt() {
		if req.SinceID != "" {
			q = q.Where(sq.Or{
				sq.Gt{schema.UpdatedAtColumn: req.Since},
				sq.And{sq.Eq{schema.UpdatedAtColumn: req.Since}, sq.Gt{schema.IDColumn: req.SinceID}},
			})
		} else {
			q = q.Where(sq.Gt{schema.UpdatedAtColumn: req.Since})
		}
	}

	switch {
	case req.Order.Property != "":
		if _, ok := t.table.Column(req.Order.Property); !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownColumn, t.table.Name, req.Order.Property)
		}
		dir := " DESC"
		if req.Order.Ascending {
			dir = " ASC"
		}
		q = q.OrderBy(req.Order.Property + dir)
	case t.table.HasUpdatedAt():
		// Same order as the (since, sinceId) cursor.
		q = q.OrderBy(schema.UpdatedAtColumn+" ASC", schema.IDColumn+" ASC")
	}

	if req.Limit != crud.Unset && req.Limit >= 0 {
		q = q.Limit(uint64(req.Limit))
	}
	if req.Offset != crud.Unset && req.Offset > 0 {
		if req.Limit == crud.Unset {
			q = q.Limit(maxRows)
		}
		q = q.Offset(uint64(req.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	items, err := t.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return req.CreateSuccessReply(items), nil
}

// projection returns the columns to select: the id and the requested properties, or all columns.
func (t *Table) projection(properties []string) ([]string, error) {
	if len(properties) == 0 {
		return t.table.ColumnNames(), nil
	}
	cols := []string{schema.IDColumn}
	for _, p := range properties {
		if p == schema.IDColumn {
			continue
		}
		if _, ok := t.table.Column(p); !ok {
			return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownColumn, t.table.Name, p)
		}
		cols = append(cols, p)
	}
	return cols, nil
}

func (t *Table) count(ctx context.Context, tx *sqlx.Tx, ids []any) (int, error) {
	query, args, err := t.sb.Select("COUNT(*)").From(t.table.Name).Where(sq.Eq{schema.IDColumn: ids}).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	err = tx.GetContext(ctx, &n, query, args...)
	return n, err
}

func (t *Table) query(ctx context.Context, query string, args []any) ([]crud.Item, error) {
	rows, err := t.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []crud.Item{}
	for rows.Next() {
		row := make(map[string]any)
		if err = rows.MapScan(row); err != nil {
			return nil, err
		}
		item := make(crud.Item, len(row))
		for name, v := range row {
			c, ok := t.table.Column(strings.ToLower(name))
			if !ok {
				continue
			}
			if item[c.Name], err = c.FromSQL(v); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
