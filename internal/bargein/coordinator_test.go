package bargein

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Threshold:   0.03,
		MinDuration: 100 * time.Millisecond,
		Debounce:    time.Second,
	}
}

func TestObserveFiresOnSustainedSpeech(t *testing.T) {
	fired := 0
	c := NewCoordinator(testConfig(), func() { fired++ })
	c.SetPlaybackActive(true)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if c.Observe(0.1, now) {
		t.Fatalf("Observe() fired on first loud reading, want sustain requirement")
	}
	if c.Observe(0.1, now.Add(50*time.Millisecond)) {
		t.Fatalf("Observe() fired at 50ms, want 100ms sustain")
	}
	if !c.Observe(0.1, now.Add(100*time.Millisecond)) {
		t.Fatalf("Observe() did not fire after sustained speech")
	}
	if fired != 1 {
		t.Fatalf("callback ran %d times, want 1", fired)
	}
}

func TestObserveIgnoredWhilePlaybackInactive(t *testing.T) {
	c := NewCoordinator(testConfig(), func() { t.Fatalf("callback ran while disarmed") })
	now := time.Now()
	for i := 0; i < 20; i++ {
		if c.Observe(0.5, now.Add(time.Duration(i)*20*time.Millisecond)) {
			t.Fatalf("Observe() fired while playback inactive")
		}
	}
}

func TestObserveResetOnQuietReading(t *testing.T) {
	c := NewCoordinator(testConfig(), nil)
	c.SetPlaybackActive(true)
	now := time.Now()

	c.Observe(0.1, now)
	c.Observe(0.01, now.Add(60*time.Millisecond))
	// The sustain clock restarted; 60ms of new speech is not enough.
	if c.Observe(0.1, now.Add(80*time.Millisecond)) {
		t.Fatalf("Observe() fired without restarting the sustain window")
	}
	if !c.Observe(0.1, now.Add(180*time.Millisecond)) {
		t.Fatalf("Observe() did not fire after the restarted window elapsed")
	}
}

func TestObserveDebounce(t *testing.T) {
	c := NewCoordinator(testConfig(), nil)
	now := time.Now()

	c.SetPlaybackActive(true)
	c.Observe(0.1, now)
	if !c.Observe(0.1, now.Add(100*time.Millisecond)) {
		t.Fatalf("Observe() did not fire on sustained speech")
	}

	// Re-arm immediately; within the debounce window nothing may fire even
	// with sustained speech.
	c.SetPlaybackActive(true)
	c.Observe(0.1, now.Add(200*time.Millisecond))
	if c.Observe(0.1, now.Add(350*time.Millisecond)) {
		t.Fatalf("Observe() fired inside debounce window")
	}

	// Past the debounce window the sustained speech fires again.
	if !c.Observe(0.1, now.Add(1200*time.Millisecond)) {
		t.Fatalf("Observe() did not fire after debounce elapsed")
	}
}

func TestObserveSelfDisarms(t *testing.T) {
	c := NewCoordinator(testConfig(), nil)
	c.SetPlaybackActive(true)
	now := time.Now()

	c.Observe(0.1, now)
	if !c.Observe(0.1, now.Add(150*time.Millisecond)) {
		t.Fatalf("Observe() did not fire")
	}
	// Fired once; without re-arming, further speech is ignored.
	if c.Observe(0.1, now.Add(2*time.Second)) {
		t.Fatalf("Observe() fired again without re-arm")
	}
}
