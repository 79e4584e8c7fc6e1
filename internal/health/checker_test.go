package health

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/tokligence/credit-gateway/internal/testutil"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func ok(context.Context) error { return nil }

func TestCheckHealthy(t *testing.T) {
	up := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	c := New(Config{
		Databases:   map[string]Pinger{"ledger_db": pingFunc(ok), "audit_db": pingFunc(ok)},
		UpstreamURL: up.URL,
		Client:      up.Client(),
	})
	st := c.Check(context.Background())
	if st.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", st)
	}
	if len(st.Components) != 3 || st.Components[0].Name != "audit_db" {
		t.Fatalf("unexpected components %+v", st.Components)
	}
	if c.LastStatus().Status != StatusHealthy {
		t.Fatalf("expected last status to be cached")
	}
}

func TestCheckDatabaseDown(t *testing.T) {
	c := New(Config{Databases: map[string]Pinger{
		"ledger_db": pingFunc(func(context.Context) error { return errors.New("closed") }),
	}})
	st := c.Check(context.Background())
	if st.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", st.Status)
	}
	if st.Components[0].Error != "closed" {
		t.Fatalf("unexpected component %+v", st.Components[0])
	}
}

func TestCheckUpstreamDownIsDegraded(t *testing.T) {
	up := testutil.NewUpstream(t, nil)
	url := up.URL
	up.Close()

	c := New(Config{Databases: map[string]Pinger{"ledger_db": pingFunc(ok)}, UpstreamURL: url})
	if st := c.Check(context.Background()); st.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", st.Status)
	}
}
