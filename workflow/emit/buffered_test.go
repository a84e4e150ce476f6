package emit

import "testing"

func seedEmitter() *BufferedEmitter {
	b := NewBufferedEmitter()
	b.Emit(Event{InstanceID: "wf-1", Version: 1, Msg: "instance_started"})
	b.Emit(Event{InstanceID: "wf-1", Version: 3, Step: "hold-funds", Msg: "step_started"})
	b.Emit(Event{InstanceID: "wf-1", Version: 4, Step: "hold-funds", Msg: "step_succeeded"})
	b.Emit(Event{InstanceID: "wf-1", Version: 5, Msg: "wait_started"})
	b.Emit(Event{InstanceID: "wf-2", Version: 1, Msg: "instance_started"})
	return b
}

func TestBufferedHistoryOrderAndIsolation(t *testing.T) {
	b := seedEmitter()

	h := b.History("wf-1")
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].Version < h[i-1].Version {
			t.Fatalf("history out of emission order: %v", h)
		}
	}
	if len(b.History("wf-2")) != 1 {
		t.Fatal("instances share histories")
	}
	if b.History("wf-3") == nil {
		// Unknown instances return an empty, non-nil slice.
		t.Fatal("unknown instance returned nil history")
	}
}

func TestBufferedHistoryIsACopy(t *testing.T) {
	b := seedEmitter()

	h := b.History("wf-1")
	h[0].Msg = "mutated"
	if b.History("wf-1")[0].Msg != "instance_started" {
		t.Fatal("History exposed internal storage")
	}
}

func TestBufferedHistoryWithFilter(t *testing.T) {
	b := seedEmitter()

	cases := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by step", HistoryFilter{Step: "hold-funds"}, 2},
		{"by msg", HistoryFilter{Msg: "step_succeeded"}, 1},
		{"step and msg", HistoryFilter{Step: "hold-funds", Msg: "step_started"}, 1},
		{"min version", HistoryFilter{MinVersion: 4}, 2},
		{"version window", HistoryFilter{MinVersion: 3, MaxVersion: 4}, 2},
		{"no match", HistoryFilter{Step: "hold-funds", Msg: "wait_started"}, 0},
		{"empty filter matches all", HistoryFilter{}, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := b.HistoryWithFilter("wf-1", tc.filter)
			if len(got) != tc.want {
				t.Fatalf("matched %d events, want %d: %v", len(got), tc.want, got)
			}
		})
	}
}

func TestBufferedClear(t *testing.T) {
	b := seedEmitter()

	b.Clear("wf-1")
	if len(b.History("wf-1")) != 0 {
		t.Fatal("Clear(wf-1) left events behind")
	}
	if len(b.History("wf-2")) != 1 {
		t.Fatal("Clear(wf-1) touched another instance")
	}

	b.Emit(Event{InstanceID: "wf-1", Version: 1, Msg: "instance_started"})
	b.Clear("")
	if len(b.History("wf-1")) != 0 || len(b.History("wf-2")) != 0 {
		t.Fatal("Clear(\"\") did not drop everything")
	}
}
