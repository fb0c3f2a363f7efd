// Command line client of the sync server: lists, creates, updates and deletes records
// of a table, or logs the traffic of a channel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tinode/tablesync/bus"
	"github.com/tinode/tablesync/crud"
	"github.com/tinode/tablesync/filter"
	"github.com/tinode/tablesync/logs"
	"github.com/tinode/tablesync/transport"
)

var (
	logFlags = flag.String("log_flags", "stdFlags", "comma-separated list of log flags")
	host     = flag.String("host", "localhost:7070", "address of the sync server")
	token    = flag.String("token", "", "authentication token, if the server requires one")
	timeout  = flag.Duration("timeout", 10*time.Second, "how long to wait for the reply")
	monitor  = flag.Bool("monitor", false, "log all messages on the channel until interrupted")
)

// options describe one request.
type options struct {
	channel string
	table   string
	filter  string
	since   int64
	limit   int
	create  string
	update  string
	del     string
}

var errUsage = errors.New("usage")

// request builds the message for the options: create, update or delete when asked, index otherwise.
func (o *options) request() (*bus.Message, error) {
	if o.table == "" {
		return nil, fmt.Errorf("%w: -table is required", errUsage)
	}
	actions := 0
	for _, v := range []string{o.create, o.update, o.del} {
		if v != "" {
			actions++
		}
	}
	if actions > 1 {
		return nil, fmt.Errorf("%w: only one of -create, -update, -delete is allowed", errUsage)
	}

	channel := o.channelName()
	switch {
	case o.create != "":
		items, err := parseItems(o.create)
		if err != nil {
			return nil, err
		}
		return crud.NewCreate(channel, o.table, items...).Message(), nil
	case o.update != "":
		items, err := parseItems(o.update)
		if err != nil {
			return nil, err
		}
		return crud.NewUpdate(channel, o.table, items...).Message(), nil
	case o.del != "":
		var ids []any
		for _, id := range strings.Split(o.del, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return crud.NewDelete(channel, o.table, ids).Message(), nil
	}

	idx := crud.NewIndex(channel, o.table).SetSince(o.since).SetLimit(o.limit)
	if o.filter != "" {
		var raw any
		if err := json.Unmarshal([]byte(o.filter), &raw); err != nil {
			return nil, fmt.Errorf("invalid -filter: %w", err)
		}
		f, err := filter.FromJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid -filter: %w", err)
		}
		idx.SetFilter(f)
	}
	return idx.Message(), nil
}

func (o *options) channelName() string {
	if o.channel != "" {
		return o.channel
	}
	return o.table
}

// parseItems accepts a JSON object or an array of objects.
func parseItems(src string) ([]crud.Item, error) {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "{") {
		src = "[" + src + "]"
	}
	var items []crud.Item
	if err := json.Unmarshal([]byte(src), &items); err != nil {
		return nil, fmt.Errorf("invalid records: %w", err)
	}
	return items, nil
}

// run sends the request and prints the payload of the reply.
func run(ctx context.Context, hub *bus.Hub, msg *bus.Message, out io.Writer) error {
	var reply *bus.Message
	err := bus.NewRequest(hub, msg).
		FailOnError().
		DeleteOnFinished().
		Then(func(r *bus.Message) error {
			reply = r
			return nil
		}).
		SendAndWait(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply.Data)
}

func main() {
	var opts options
	flag.StringVar(&opts.table, "table", "", "table name")
	flag.StringVar(&opts.channel, "channel", "", "channel of the table, defaults to the table name")
	flag.StringVar(&opts.filter, "filter", "", `index filter as JSON, e.g. {"o":"and","p":[{"p":"status","o":"==","v":"open"}]}`)
	flag.Int64Var(&opts.since, "since", crud.Unset, "list only records changed after this cursor")
	flag.IntVar(&opts.limit, "limit", crud.Unset, "maximum number of records to list")
	flag.StringVar(&opts.create, "create", "", "JSON record or array of records to create")
	flag.StringVar(&opts.update, "update", "", "JSON record or array of partial records with ids to update")
	flag.StringVar(&opts.del, "delete", "", "comma-separated ids of records to delete")
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	hub := bus.NewHub()
	client := transport.NewClient(hub, transport.ClientConfig{
		Addr:      *host,
		AuthToken: *token,
		OnState: func(state bus.ConnState) {
			logs.Info.Println("connection:", state)
		},
		OnAuthRequired: func() {
			logs.Err.Println("server rejected the authentication token")
		},
	})
	defer client.Close()
	client.Connect()

	if *monitor {
		m := bus.NewMonitor(hub, nil)
		if opts.table != "" || opts.channel != "" {
			// The server only forwards channels this side subscribes to.
			m.SubscribeTo(opts.channelName())
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return
	}

	msg, err := opts.request()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, hub, msg, os.Stdout); err != nil {
		logs.Err.Println(err)
		client.Close()
		os.Exit(1)
	}
}
