package state

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestIDSetAlgebra(t *testing.T) {
	t.Parallel()

	a := NewIDSet("c", "a", "b", "a")
	b := NewIDSet("b", "d")
	if !reflect.DeepEqual(a, IDSet{"a", "b", "c"}) {
		t.Fatalf("unexpected set %v", a)
	}
	if got := a.Union(b); !reflect.DeepEqual(got, IDSet{"a", "b", "c", "d"}) {
		t.Fatalf("union: %v", got)
	}
	if got := a.Intersect(b); !reflect.DeepEqual(got, IDSet{"b"}) {
		t.Fatalf("intersect: %v", got)
	}
	if got := a.Diff(b); !reflect.DeepEqual(got, IDSet{"a", "c"}) {
		t.Fatalf("diff: %v", got)
	}
	if got := a.Remove("b"); !reflect.DeepEqual(got, IDSet{"a", "c"}) || !a.Has("b") {
		t.Fatalf("remove must not alias input: %v %v", got, a)
	}
}

func TestScoredSetRangeByScore(t *testing.T) {
	t.Parallel()

	var s ScoredSet
	s = s.Add("w1", 10)
	s = s.Add("w2", 30)
	s = s.Add("w3", 20)
	s = s.Add("w1", 40)

	if got := s.RangeByScore(0, 30); !reflect.DeepEqual(got, IDSet{"w2", "w3"}) {
		t.Fatalf("unexpected range %v", got)
	}
	if score, ok := s.Score("w1"); !ok || score != 40 {
		t.Fatalf("re-add must re-score, got %d %v", score, ok)
	}
	if s[0].ID != "w3" || s[len(s)-1].ID != "w1" {
		t.Fatalf("members must stay ordered by score: %+v", s)
	}
}

func TestFilterResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore(time.Now)
	tags := NewIndex(store, "tag")
	disabled := NewIndex(store, "disabled")
	for _, pair := range [][2]string{{"web", "c1"}, {"web", "c2"}, {"db", "c3"}, {"prod", "c2"}, {"prod", "c3"}} {
		if err := tags.Add(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("index add: %v", err)
		}
	}
	if err := disabled.Add(ctx, "true", "c3"); err != nil {
		t.Fatalf("index add: %v", err)
	}

	got, err := NewFilter().Union(tags, "web", "db").Intersect(tags, "prod").Diff(disabled, "true").Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(got, IDSet{"c2"}) {
		t.Fatalf("unexpected filter result %v", got)
	}

	if err := tags.Remove(ctx, "web", "c2"); err != nil {
		t.Fatalf("index remove: %v", err)
	}
	members, _ := tags.Members(ctx, "web")
	if !reflect.DeepEqual(members, IDSet{"c1"}) {
		t.Fatalf("unexpected members %v", members)
	}
	values, _ := tags.Values(ctx)
	if !reflect.DeepEqual(values, []string{"db", "prod", "web"}) {
		t.Fatalf("unexpected values %v", values)
	}
	empty, err := NewFilter().UnionIDs(nil).Resolve(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty set, got %v err=%v", empty, err)
	}
}

func TestKeyEscaping(t *testing.T) {
	t.Parallel()

	key := Key("check", "web-01:http /var")
	if key == "check/web-01:http /var" {
		t.Fatalf("unsafe segment must be escaped")
	}
	if LastSegment(key) != "web-01:http /var" {
		t.Fatalf("unexpected round trip %q", LastSegment(key))
	}
	if Key("index", "tag", "web") != "index/tag/web" {
		t.Fatalf("plain segments must be kept")
	}
	if UnescapeSegment(EscapeSegment("=x")) != "=x" {
		t.Fatalf("segments starting with = must be escaped")
	}
	if extractKVKeyFromSubject("exp", "$KV.exp.maint/current/x") != "maint/current/x" {
		t.Fatalf("unexpected subject key")
	}
	if extractKVKeyFromSubject("exp", "$KV.other.x") != "" {
		t.Fatalf("expected empty key for foreign bucket")
	}
}
