// Package streamtest provides an in-memory stream.Client for unit tests.
package streamtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asdlc-io/substrate/pkg/stream"
)

type pending struct {
	msg        stream.Message
	consumer   string
	delivered  time.Time
	deliveries int64
}

type group struct {
	cursor  int
	pending map[string]*pending
}

// Fake is an in-memory stream.Client. Entries live in append order per
// stream; consumer groups track a shared cursor plus a pending map, which
// is enough to exercise read/ack/claim flows without Redis.
//
// The error fields, when set, are returned by the matching method on every
// call until cleared.
type Fake struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]stream.Message
	groups  map[string]map[string]*group

	PublishErr error
	ReadErr    error
	AckErr     error
	PendingErr error
	ClaimErr   error
}

var _ stream.Client = (*Fake)(nil)

// NewFake returns an empty in-memory stream log.
func NewFake() *Fake {
	return &Fake{
		streams: make(map[string][]stream.Message),
		groups:  make(map[string]map[string]*group),
	}
}

func (f *Fake) EnsureStream(_ context.Context, name string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[name]; !ok {
		f.streams[name] = nil
	}
	return nil
}

func (f *Fake) CreateGroup(_ context.Context, name, grp, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[name]; !ok {
		f.streams[name] = nil
	}
	if f.groups[name] == nil {
		f.groups[name] = make(map[string]*group)
	}
	if _, ok := f.groups[name][grp]; ok {
		return false, nil
	}
	f.groups[name][grp] = &group{pending: make(map[string]*pending)}
	return true, nil
}

func (f *Fake) Publish(_ context.Context, name string, values map[string]string, _ int64) (string, error) {
	if f.PublishErr != nil {
		return "", f.PublishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	converted := make(map[string]any, len(values))
	for k, v := range values {
		converted[k] = v
	}
	f.streams[name] = append(f.streams[name], stream.Message{ID: id, Values: converted})
	return id, nil
}

func (f *Fake) ReadGroup(_ context.Context, args stream.ReadArgs) ([]stream.Message, error) {
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.group(args.Stream, args.Group)
	if err != nil {
		return nil, err
	}
	entries := f.streams[args.Stream]
	var out []stream.Message
	for g.cursor < len(entries) && int64(len(out)) < args.Count {
		msg := entries[g.cursor]
		g.cursor++
		g.pending[msg.ID] = &pending{
			msg:        msg,
			consumer:   args.Consumer,
			delivered:  time.Now(),
			deliveries: 1,
		}
		out = append(out, msg)
	}
	return out, nil
}

func (f *Fake) Ack(_ context.Context, name, grp, id string) (bool, error) {
	if f.AckErr != nil {
		return false, f.AckErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.group(name, grp)
	if err != nil {
		return false, err
	}
	if _, ok := g.pending[id]; !ok {
		return false, nil
	}
	delete(g.pending, id)
	return true, nil
}

func (f *Fake) Pending(_ context.Context, name, grp string, count int64, consumer string) ([]stream.PendingEntry, error) {
	if f.PendingErr != nil {
		return nil, f.PendingErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.group(name, grp)
	if err != nil {
		return nil, err
	}
	var out []stream.PendingEntry
	// Report in append order for deterministic assertions.
	for _, msg := range f.streams[name] {
		p, ok := g.pending[msg.ID]
		if !ok {
			continue
		}
		if consumer != "" && p.consumer != consumer {
			continue
		}
		out = append(out, stream.PendingEntry{
			ID:         p.msg.ID,
			Consumer:   p.consumer,
			Idle:       time.Since(p.delivered),
			Deliveries: p.deliveries,
		})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *Fake) Claim(_ context.Context, name, grp, consumer string, minIdle time.Duration, ids []string) ([]stream.Message, error) {
	if f.ClaimErr != nil {
		return nil, f.ClaimErr
	}
	if len(ids) == 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.group(name, grp)
	if err != nil {
		return nil, err
	}
	var out []stream.Message
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || time.Since(p.delivered) < minIdle {
			continue
		}
		p.consumer = consumer
		p.delivered = time.Now()
		p.deliveries++
		out = append(out, p.msg)
	}
	return out, nil
}

// Entries returns all entries appended to the stream, in order.
func (f *Fake) Entries(name string) []stream.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stream.Message, len(f.streams[name]))
	copy(out, f.streams[name])
	return out
}

// PendingIDs returns the IDs still pending for the group, in append order.
func (f *Fake) PendingIDs(name, grp string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name][grp]
	if !ok {
		return nil
	}
	var out []string
	for _, msg := range f.streams[name] {
		if _, pending := g.pending[msg.ID]; pending {
			out = append(out, msg.ID)
		}
	}
	return out
}

// AgePending backdates the delivery time of every pending entry in the
// group so stale-claim paths can be exercised without sleeping.
func (f *Fake) AgePending(name, grp string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[name][grp]
	if !ok {
		return
	}
	for _, p := range g.pending {
		p.delivered = p.delivered.Add(-by)
	}
}

func (f *Fake) group(name, grp string) (*group, error) {
	g, ok := f.groups[name][grp]
	if !ok {
		return nil, fmt.Errorf("consumer group %q does not exist on stream %q", grp, name)
	}
	return g, nil
}
