package observability

import "testing"

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	for _, ms := range []float64{1, 2, 3, 4} {
		w.Observe("validate", ms)
	}

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("Stages = %d, want 1", len(snap.Stages))
	}
	st := snap.Stages[0]
	if st.Stage != "validate" || st.Samples != 4 {
		t.Fatalf("stage = %+v, want 4 validate samples", st)
	}
	if st.LastMS != 4 {
		t.Fatalf("LastMS = %v, want 4", st.LastMS)
	}
	if st.AvgMS != 2.5 {
		t.Fatalf("AvgMS = %v, want 2.5", st.AvgMS)
	}
	if st.P50MS != 2.5 {
		t.Fatalf("P50MS = %v, want 2.5", st.P50MS)
	}
	if st.TargetP95MS != 1 {
		t.Fatalf("TargetP95MS = %v, want 1", st.TargetP95MS)
	}
}

func TestStageWindowWraps(t *testing.T) {
	w := newStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("barge_in", float64(i))
	}

	snap := w.Snapshot()
	st := snap.Stages[0]
	if st.Samples != 4 {
		t.Fatalf("Samples = %d, want window cap of 4", st.Samples)
	}
	if st.LastMS != 9 {
		t.Fatalf("LastMS = %v, want 9", st.LastMS)
	}
	// Only the most recent four observations (6..9) survive.
	if st.P50MS < 6 {
		t.Fatalf("P50MS = %v, want only recent samples retained", st.P50MS)
	}
}

func TestStageWindowIgnoresInvalid(t *testing.T) {
	w := newStageWindow(4)
	w.Observe("", 5)
	w.Observe("validate", -1)
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("Stages = %v, want empty after invalid observations", snap.Stages)
	}
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	if got := quantile(sorted, 0); got != 1 {
		t.Fatalf("quantile(0) = %v, want 1", got)
	}
	if got := quantile(sorted, 1); got != 5 {
		t.Fatalf("quantile(1) = %v, want 5", got)
	}
	if got := quantile(sorted, 0.5); got != 3 {
		t.Fatalf("quantile(0.5) = %v, want 3", got)
	}
	if got := quantile(nil, 0.5); got != 0 {
		t.Fatalf("quantile(nil) = %v, want 0", got)
	}
}
