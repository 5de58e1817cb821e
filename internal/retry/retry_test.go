package retry

import (
	"net/http"
	"testing"
	"time"
)

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFrac: 0}

	d1 := p.Delay(1)
	d2 := p.Delay(2)
	d3 := p.Delay(3)
	if d1 != 100*time.Millisecond {
		t.Fatalf("expected first delay 100ms, got %v", d1)
	}
	if d2 != 200*time.Millisecond {
		t.Fatalf("expected second delay 200ms, got %v", d2)
	}
	if d3 != 400*time.Millisecond {
		t.Fatalf("expected third delay 400ms, got %v", d3)
	}

	big := p.Delay(20)
	if big > time.Second {
		t.Fatalf("expected delay to be capped at max_delay, got %v", big)
	}
}

func TestPolicy_JitterStaysWithinBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, JitterFrac: 0.2}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-20%% of base", d)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Classification
	}{
		{http.StatusOK, ClassTransient},
		{http.StatusRequestTimeout, ClassTransient},
		{http.StatusTooEarly, ClassTransient},
		{http.StatusTooManyRequests, ClassTransient},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusServiceUnavailable, ClassTransient},
		{http.StatusBadRequest, ClassPermanent},
		{http.StatusUnauthorized, ClassPermanent},
		{http.StatusNotFound, ClassPermanent},
	}
	for _, c := range cases {
		if got := ClassifyStatus(c.status); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestRetryAfter_Seconds(t *testing.T) {
	now := time.Now()
	d, ok := RetryAfter("30", now)
	if !ok {
		t.Fatal("expected seconds form to parse")
	}
	if d != 30*time.Second {
		t.Fatalf("expected 30s, got %v", d)
	}
}

func TestRetryAfter_HTTPDate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	future := now.Add(45 * time.Second)
	header := future.Format(http.TimeFormat)

	d, ok := RetryAfter(header, now)
	if !ok {
		t.Fatal("expected HTTP-date form to parse")
	}
	if d < 44*time.Second || d > 46*time.Second {
		t.Fatalf("expected ~45s, got %v", d)
	}
}

func TestRetryAfter_Absent(t *testing.T) {
	if _, ok := RetryAfter("", time.Now()); ok {
		t.Fatal("expected empty header to report not-present")
	}
	if _, ok := RetryAfter("not-a-value", time.Now()); ok {
		t.Fatal("expected unparseable header to report not-present")
	}
}
