package notify

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, h Handler) *GRPCNotifier {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterEscalationService(srv, h)
	go srv.Serve(lis)

	n, err := NewGRPCNotifier("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCNotifier: %v", err)
	}
	t.Cleanup(func() {
		n.Close()
		srv.Stop()
	})
	return n
}

func TestGRPCNotifier_RoundTrip(t *testing.T) {
	received := make(chan Escalation, 1)
	n := startServer(t, HandlerFunc(func(_ context.Context, e Escalation) error {
		received <- e
		return nil
	}))

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	want := Escalation{
		SessionID:      "s1",
		TurnID:         "t9",
		InterventionID: "iv1",
		ProtocolID:     "human_escalation",
		Reason:         "compound crisis",
		Health:         "critical",
		Quality:        0.1,
		Incidents:      7,
		At:             at,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Notify(ctx, want); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	got := <-received
	if !got.At.Equal(want.At) {
		t.Fatalf("timestamp mismatch: got %v want %v", got.At, want.At)
	}
	got.At, want.At = time.Time{}, time.Time{}
	if got != want {
		t.Fatalf("payload mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestGRPCNotifier_HandlerError(t *testing.T) {
	n := startServer(t, HandlerFunc(func(context.Context, Escalation) error {
		return errors.New("rejected")
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Notify(ctx, Escalation{SessionID: "s1"}); err == nil {
		t.Fatal("expected handler error to surface to the client")
	}
}

func TestDispatcher_OverGRPC(t *testing.T) {
	received := make(chan Escalation, 1)
	n := startServer(t, HandlerFunc(func(_ context.Context, e Escalation) error {
		received <- e
		return nil
	}))
	d := NewDispatcher(n, 5*time.Second, nil)
	d.Fire(Escalation{SessionID: "s1", InterventionID: "iv1"})
	d.Wait()

	select {
	case e := <-received:
		if e.InterventionID != "iv1" {
			t.Fatalf("unexpected escalation %+v", e)
		}
	default:
		t.Fatal("dispatcher did not deliver over gRPC")
	}
}
