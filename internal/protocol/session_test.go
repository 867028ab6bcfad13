package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/reactive"
	"github.com/zoravur/livejoin/internal/store/memstore"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

// lines renders messages as "TYPE collection/id" or "TYPE id".
func (c *fakeConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		switch m["type"] {
		case TypeAdded, TypeChanged, TypeRemoved:
			out = append(out, fmt.Sprintf("%s %s/%s", m["type"], m["collection"], m["id"]))
		case TypeReady:
			out = append(out, fmt.Sprintf("READY %v", m["subs"]))
		case TypeError:
			out = append(out, "ERROR")
		default:
			out = append(out, fmt.Sprintf("%s %v", m["type"], m["id"]))
		}
	}
	return out
}

func (c *fakeConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

func (c *fakeConn) waitFor(t *testing.T, line string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range c.lines() {
			if l == line {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q; got %v", line, c.lines())
}

var (
	puzzlesByHunt = &reactive.Spec{
		Collection:  "puzzles",
		Projection:  livedata.Projection{"title", "hunt"},
		ForeignKeys: []reactive.ForeignKey{{Field: "hunt", Join: &reactive.Spec{Collection: "hunts"}}},
	}
	huntByID = &reactive.Spec{Collection: "hunts"}
)

func fixture(t *testing.T) (*memstore.Store, *Registry) {
	t.Helper()
	s := memstore.New()
	hunts := s.Define("hunts")
	puzzles := s.Define("puzzles")
	s.Define("broken", memstore.WithObserveError(errors.New("backend down")))
	if err := hunts.Insert("h1", livedata.Fields{"name": "Hunt One"}); err != nil {
		t.Fatal(err)
	}
	if err := puzzles.Insert("p1", livedata.Fields{"title": "First", "hunt": "h1"}); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	puzzlesPub := JoinedPublication(s, puzzlesByHunt, []string{"hunt"})
	huntPub := JoinedPublication(s, huntByID, []string{"_id"})
	for name, h := range map[string]Handler{
		"puzzles": puzzlesPub,
		"hunt":    huntPub,
		"broken":  JoinedPublication(s, &reactive.Spec{Collection: "broken"}, nil),
		"feed":    MergedPublication(puzzlesPub, huntPub),
		"invalid": JoinedPublication(s, &reactive.Spec{Collection: "nope"}, nil),
	} {
		if err := reg.Publish(name, h); err != nil {
			t.Fatal(err)
		}
	}
	return s, reg
}

func newSession(t *testing.T, reg *Registry) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSession(context.Background(), "sess", conn, reg)
	t.Cleanup(s.Close)
	return s, conn
}

func sub(id, name string, params map[string]any) []byte {
	b, _ := json.Marshal(Message{Type: TypeSub, ID: id, Name: name, Params: params})
	return b
}

func TestSubscribePublishesJoinedDocuments(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)

	s.HandleMessage(sub("s1", "puzzles", map[string]any{"hunt": "h1"}))
	conn.waitFor(t, "READY [s1]")

	got := conn.lines()
	want := []string{"ADDED hunts/h1", "ADDED puzzles/p1", "READY [s1]"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("messages\nwant %v\ngot  %v", want, got)
	}
}

func TestOverlappingSubsShareDocuments(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)

	s.HandleMessage(sub("s1", "puzzles", map[string]any{"hunt": "h1"}))
	conn.waitFor(t, "READY [s1]")
	s.HandleMessage(sub("s2", "hunt", map[string]any{"_id": "h1"}))
	conn.waitFor(t, "READY [s2]")
	for _, l := range conn.lines()[3:] {
		if strings.HasPrefix(l, "ADDED") {
			t.Fatalf("shared document re-added: %v", conn.lines())
		}
	}

	conn.reset()
	s.HandleMessage([]byte(`{"type":"UNSUB","id":"s1"}`))
	got := conn.lines()
	want := []string{"REMOVED puzzles/p1", "NOSUB s1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unsub messages\nwant %v\ngot  %v", want, got)
	}
	if s.Subs() != 1 {
		t.Fatalf("subs = %d, want 1", s.Subs())
	}
}

func TestLiveChangesReachClient(t *testing.T) {
	st, reg := fixture(t)
	s, conn := newSession(t, reg)
	s.HandleMessage(sub("s1", "hunt", map[string]any{"_id": "h1"}))
	conn.waitFor(t, "READY [s1]")

	hunts, _ := st.Get("hunts")
	if err := hunts.Update("h1", livedata.Delta{"name": livedata.Clear(), "stage": livedata.Set(2.0)}); err != nil {
		t.Fatal(err)
	}
	conn.waitFor(t, "CHANGED hunts/h1")
	m := conn.last()
	if fields, _ := m["fields"].(map[string]any); fields["stage"] != 2.0 {
		t.Errorf("fields = %v", m["fields"])
	}
	if cleared, _ := m["cleared"].([]any); len(cleared) != 1 || cleared[0] != "name" {
		t.Errorf("cleared = %v", m["cleared"])
	}
}

func TestMergedPublicationReadyOnce(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)
	s.HandleMessage(sub("f", "feed", map[string]any{"hunt": "h1", "_id": "h1"}))
	conn.waitFor(t, "READY [f]")
	time.Sleep(20 * time.Millisecond)

	added, ready := 0, 0
	for _, l := range conn.lines() {
		switch {
		case l == "ADDED hunts/h1", l == "ADDED puzzles/p1":
			added++
		case strings.HasPrefix(l, "READY"):
			ready++
		}
	}
	if added != 2 || ready != 1 {
		t.Fatalf("messages = %v", conn.lines())
	}

	conn.reset()
	s.HandleMessage([]byte(`{"type":"UNSUB","id":"f"}`))
	if got := conn.lines(); got[len(got)-1] != "NOSUB f" || len(got) != 3 {
		t.Fatalf("unsub messages = %v", got)
	}
}

func TestRefusedSubscriptions(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)

	cases := []struct {
		name string
		msg  []byte
	}{
		{"unknown publication", sub("a", "missing", nil)},
		{"missing param", sub("b", "puzzles", nil)},
		{"non-scalar param", sub("c", "puzzles", map[string]any{"hunt": []string{"h1"}})},
		{"configuration error", sub("d", "invalid", nil)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn.reset()
			s.HandleMessage(c.msg)
			m := conn.last()
			if m == nil || m["type"] != TypeNoSub || m["error"] == "" || m["error"] == nil {
				t.Fatalf("expected NOSUB with error, got %v", m)
			}
		})
	}
	if s.Subs() != 0 {
		t.Fatalf("refused subs still tracked: %d", s.Subs())
	}
}

func TestAttachFailureEndsSubscription(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)
	s.HandleMessage(sub("x", "broken", nil))
	conn.waitFor(t, "NOSUB x")
	if m := conn.last(); !strings.Contains(fmt.Sprint(m["error"]), "backend down") {
		t.Fatalf("NOSUB error = %v", m["error"])
	}
	if s.Subs() != 0 {
		t.Fatal("failed sub still tracked")
	}
}

func TestDuplicateSubAndMisc(t *testing.T) {
	_, reg := fixture(t)
	s, conn := newSession(t, reg)
	s.HandleMessage(sub("s1", "hunt", map[string]any{"_id": "h1"}))
	conn.waitFor(t, "READY [s1]")

	conn.reset()
	s.HandleMessage(sub("s1", "hunt", map[string]any{"_id": "h1"}))
	s.HandleMessage([]byte(`{"type":"PING","id":"7"}`))
	s.HandleMessage([]byte(`{"type":"WHAT"}`))
	s.HandleMessage([]byte(`not json`))
	s.HandleMessage([]byte(`{"type":"UNSUB","id":"never"}`))
	want := []string{"ERROR", "PONG 7", "ERROR", "ERROR", "NOSUB never"}
	if got := conn.lines(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("messages\nwant %v\ngot  %v", want, got)
	}
	if s.Subs() != 1 {
		t.Fatalf("duplicate SUB replaced the original")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	st, reg := fixture(t)
	s, conn := newSession(t, reg)
	s.HandleMessage(sub("s1", "puzzles", map[string]any{"hunt": "h1"}))
	conn.waitFor(t, "READY [s1]")

	s.Close()
	s.Close()
	if s.Subs() != 0 {
		t.Fatal("subs left after close")
	}
	puzzles, _ := st.Get("puzzles")
	deadline := time.Now().Add(2 * time.Second)
	for puzzles.Observers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := puzzles.Observers(); n != 0 {
		t.Fatalf("%d store observers left", n)
	}

	conn.reset()
	s.HandleMessage(sub("s2", "hunt", map[string]any{"_id": "h1"}))
	time.Sleep(20 * time.Millisecond)
	for _, l := range conn.lines() {
		if strings.HasPrefix(l, "ADDED") {
			t.Fatalf("closed session published: %v", conn.lines())
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, livedata.Sink, map[string]any) error { return nil }
	if err := reg.Publish("b", h); err != nil {
		t.Fatal(err)
	}
	if err := reg.Publish("a", h); err != nil {
		t.Fatal(err)
	}
	if err := reg.Publish("a", h); err == nil {
		t.Fatal("duplicate publication accepted")
	}
	if _, err := reg.Lookup("zzz"); !errors.Is(err, ErrUnknownPublication) {
		t.Fatalf("Lookup err = %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "a,b" {
		t.Fatalf("Names = %s", got)
	}
}
