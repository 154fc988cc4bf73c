package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/sells-group/quotefall/internal/model"
)

func testDescriptor(id string, perMinute, burstCeiling, daily int) *model.SourceDescriptor {
	return &model.SourceDescriptor{
		ID:       id,
		Name:     id,
		Priority: 1,
		Rate: model.RateProfile{
			PerMinute:    perMinute,
			BurstWindow:  10 * time.Second,
			BurstCeiling: burstCeiling,
			DailyCeiling: daily,
		},
	}
}

func TestAdmit_MinuteCeilingWithSafetyMargin(t *testing.T) {
	// 60/min at 95% margin admits exactly 57 calls.
	desc := testDescriptor("alpha", 60, 1000, 0)
	g := New([]*model.SourceDescriptor{desc}, 0.95)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 57; i++ {
		dec := g.Admit("alpha")
		if !dec.Allow {
			t.Fatalf("call %d rejected: %s", i+1, dec.Reason)
		}
	}

	dec := g.Admit("alpha")
	if dec.Allow {
		t.Fatal("58th call within the minute should be rejected")
	}
	if dec.Reason != ReasonMinuteExceeded {
		t.Errorf("expected reason %s, got %s", ReasonMinuteExceeded, dec.Reason)
	}
	if dec.Wait <= 0 {
		t.Errorf("expected positive wait, got %v", dec.Wait)
	}
}

func TestAdmit_MinuteWindowRollsOver(t *testing.T) {
	desc := testDescriptor("alpha", 2, 100, 0)
	g := New([]*model.SourceDescriptor{desc}, 1.0)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	if !g.Admit("alpha").Allow || !g.Admit("alpha").Allow {
		t.Fatal("first two calls should be admitted")
	}
	if g.Admit("alpha").Allow {
		t.Fatal("third call within the minute should be rejected")
	}

	g.nowFunc = func() time.Time { return now.Add(61 * time.Second) }
	if !g.Admit("alpha").Allow {
		t.Error("call after window rollover should be admitted")
	}
}

func TestAdmit_BurstCeiling(t *testing.T) {
	// 600/min keeps the minute window out of the way; burst ceiling 10 at
	// 95% margin admits 9 within the 10s window.
	desc := testDescriptor("alpha", 600, 10, 0)
	g := New([]*model.SourceDescriptor{desc}, 0.95)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 9; i++ {
		if dec := g.Admit("alpha"); !dec.Allow {
			t.Fatalf("burst call %d rejected: %s", i+1, dec.Reason)
		}
	}

	dec := g.Admit("alpha")
	if dec.Allow {
		t.Fatal("call above burst ceiling should be rejected")
	}
	if dec.Reason != ReasonBurstExceeded {
		t.Errorf("expected reason %s, got %s", ReasonBurstExceeded, dec.Reason)
	}
	if dec.Wait <= 0 || dec.Wait > 10*time.Second {
		t.Errorf("burst wait should be within the window, got %v", dec.Wait)
	}

	g.nowFunc = func() time.Time { return now.Add(11 * time.Second) }
	if !g.Admit("alpha").Allow {
		t.Error("call after burst window elapsed should be admitted")
	}
}

func TestAdmit_UnlimitedDailyStillHasBurstCeiling(t *testing.T) {
	desc := testDescriptor("alpha", 6000, 0, 0) // no explicit burst ceiling
	g := New([]*model.SourceDescriptor{desc}, 1.0)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	admitted := 0
	for i := 0; i < 5000; i++ {
		if g.Admit("alpha").Allow {
			admitted++
		} else {
			break
		}
	}
	// Derived burst ceiling is per_minute/6 = 1000.
	if admitted != 1000 {
		t.Errorf("expected derived burst ceiling of 1000, admitted %d", admitted)
	}
}

func TestAdmit_DailyCeiling(t *testing.T) {
	desc := testDescriptor("alpha", 60, 100, 3)
	g := New([]*model.SourceDescriptor{desc}, 1.0)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !g.Admit("alpha").Allow {
			t.Fatalf("call %d should fit the daily quota", i+1)
		}
	}

	dec := g.Admit("alpha")
	if dec.Allow {
		t.Fatal("call above daily quota should be rejected")
	}
	if dec.Reason != ReasonDailyExceeded {
		t.Errorf("expected reason %s, got %s", ReasonDailyExceeded, dec.Reason)
	}
}

func TestAdmit_DisabledSource(t *testing.T) {
	desc := testDescriptor("dead", 0, 10, 0)
	g := New([]*model.SourceDescriptor{desc}, 1.0)

	dec := g.Admit("dead")
	if dec.Allow {
		t.Fatal("disabled source should never be admitted")
	}
	if dec.Reason != ReasonDisabled {
		t.Errorf("expected reason %s, got %s", ReasonDisabled, dec.Reason)
	}
}

func TestAdmit_UnknownSource(t *testing.T) {
	g := New(nil, 1.0)
	if dec := g.Admit("ghost"); dec.Allow || dec.Reason != ReasonUnknownSource {
		t.Errorf("unknown source should be rejected, got %+v", dec)
	}
}

func TestAdmit_ConcurrentNeverOverAdmits(t *testing.T) {
	desc := testDescriptor("alpha", 60, 1000, 0)
	g := New([]*model.SourceDescriptor{desc}, 0.95)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("alpha").Allow {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 57 {
		t.Errorf("expected exactly 57 concurrent admissions, got %d", admitted)
	}
}

func TestUtilization(t *testing.T) {
	desc := testDescriptor("alpha", 60, 20, 500)
	g := New([]*model.SourceDescriptor{desc}, 0.95)
	now := time.Now()
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		g.Admit("alpha")
	}

	u := g.Utilization("alpha")
	if u.MinuteUsed != 5 {
		t.Errorf("expected 5 minute-window calls, got %d", u.MinuteUsed)
	}
	if u.MinuteCeiling != 57 {
		t.Errorf("expected effective minute ceiling 57, got %d", u.MinuteCeiling)
	}
	if u.BurstUsed != 5 {
		t.Errorf("expected 5 burst-window calls, got %d", u.BurstUsed)
	}
	if u.DayUsed != 5 || u.DayCeiling != 500 {
		t.Errorf("unexpected daily usage: %d/%d", u.DayUsed, u.DayCeiling)
	}
}
