package observability

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// scrape returns the value of the first sample whose series matches prefix exactly.
func scrape(t *testing.T, series string) float64 {
	t.Helper()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, series+" ") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(line, series+" "), 64)
		if err != nil {
			t.Fatalf("parse sample %q: %v", line, err)
		}
		return v
	}
	return 0
}

func TestRecordTransition(t *testing.T) {
	series := `token_escrow_settlement_transitions_total{result="ok",transition="make"}`

	before := scrape(t, series)
	RecordTransition("make", "ok", 0.01)
	after := scrape(t, series)

	if after != before+1 {
		t.Errorf("transitions counter = %v, want %v", after, before+1)
	}
}

func TestRecordSettlementEvent_SkipsZeroLegs(t *testing.T) {
	legA := `token_escrow_settlement_volume_total{kind="REFUND",leg="a",source="ENGINE"}`
	legB := `token_escrow_settlement_volume_total{kind="REFUND",leg="b",source="ENGINE"}`

	RecordSettlementEvent("ENGINE", "REFUND", 500, 0)

	if got := scrape(t, legA); got < 500 {
		t.Errorf("leg a volume = %v, want >= 500", got)
	}
	if got := scrape(t, legB); got != 0 {
		t.Errorf("leg b volume = %v, want 0", got)
	}
}

func TestOpenEscrowsGauge(t *testing.T) {
	series := "token_escrow_settlement_open_escrows"

	start := scrape(t, series)
	RecordEscrowOpened()
	RecordEscrowOpened()
	RecordEscrowClosed()

	if got := scrape(t, series); got != start+1 {
		t.Errorf("open escrows = %v, want %v", got, start+1)
	}
}

func TestHandler_ExposesRateLimiter(t *testing.T) {
	RecordRateLimited()

	if got := scrape(t, "token_escrow_api_rate_limited_total"); got < 1 {
		t.Errorf("rate limited counter = %v, want >= 1", got)
	}
}
