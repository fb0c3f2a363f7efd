package bus

import (
	"github.com/tinode/tablesync/logs"
)

// Monitor subscribes to every channel and reports every message it sees.
type Monitor struct {
	*Actor
	report func(*Message)
}

// NewMonitor creates a wildcard subscriber. A nil report function logs messages.
func NewMonitor(hub *Hub, report func(*Message)) *Monitor {
	if report == nil {
		report = func(msg *Message) {
			logs.Info.Println("monitor:", msg)
		}
	}
	m := &Monitor{report: report}
	m.Actor = NewActor(hub, m)
	m.SubscribeTo(WildcardChannel)
	return m
}

// Receive implements Receiver.
func (m *Monitor) Receive(msg *Message) error {
	m.report(msg)
	return nil
}
