package audit

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// DebugHandler 输出队列与在途投递的 JSON 快照，挂载在 /debug/audit。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.debugState())
	})
}

type pendingDelivery struct {
	Session    string `json:"session"`
	Method     string `json:"method"`
	Status     string `json:"status"`
	DeliveryID string `json:"deliveryId"`
	Attempts   int    `json:"attempts"`
}

type debugSnapshot struct {
	Queued      int               `json:"queued"`
	Workers     int               `json:"workers"`
	MaxAttempts int               `json:"maxAttempts"`
	RateLimit   float64           `json:"rateLimit"`
	Closed      bool              `json:"closed"`
	Pending     []pendingDelivery `json:"pending"`
	Sessions    []string          `json:"sessions"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

func (d *Dispatcher) debugState() debugSnapshot {
	out := debugSnapshot{
		Queued:      len(d.queue),
		Workers:     d.cfg.Workers,
		MaxAttempts: d.cfg.MaxAttempts,
		Closed:      d.closed.Load(),
		GeneratedAt: time.Now().UTC(),
	}
	if limiter := d.limiter.Load(); limiter != nil {
		out.RateLimit = float64(limiter.Limit())
	}

	d.mu.Lock()
	for session, st := range d.states {
		out.Pending = append(out.Pending, pendingDelivery{
			Session:    session,
			Method:     string(st.job.outcome.Method),
			Status:     string(st.job.outcome.Status),
			DeliveryID: st.job.deliveryID,
			Attempts:   st.attempts,
		})
	}
	d.mu.Unlock()

	sort.Slice(out.Pending, func(i, j int) bool { return out.Pending[i].Session < out.Pending[j].Session })
	out.Sessions = make([]string, len(out.Pending))
	for i, p := range out.Pending {
		out.Sessions[i] = p.Session
	}
	return out
}
