package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// #region grpc-notifier
// GRPCNotifier sends escalations to a remote EscalationService.
type GRPCNotifier struct {
	conn *grpc.ClientConn
}

// NewGRPCNotifier connects to the escalation endpoint at addr.
func NewGRPCNotifier(addr string, opts ...grpc.DialOption) (*GRPCNotifier, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCNotifier{conn: conn}, nil
}

// Notify invokes EscalationService.Notify.
func (n *GRPCNotifier) Notify(ctx context.Context, e Escalation) error {
	in, err := e.toStruct()
	if err != nil {
		return fmt.Errorf("encode escalation: %w", err)
	}
	if err := n.conn.Invoke(ctx, notifyMethod, in, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("notify rpc: %w", err)
	}
	return nil
}

// Close releases the connection.
func (n *GRPCNotifier) Close() error {
	return n.conn.Close()
}

// #endregion grpc-notifier

// #region log-notifier
// LogNotifier records escalations in the log when no endpoint is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. logger may be nil.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("escalation")}
}

// Notify writes the escalation at warn level.
func (n *LogNotifier) Notify(_ context.Context, e Escalation) error {
	n.logger.Warn("human escalation requested",
		zap.String("session", e.SessionID),
		zap.String("turn", e.TurnID),
		zap.String("intervention", e.InterventionID),
		zap.String("reason", e.Reason),
		zap.Float64("quality", e.Quality),
		zap.Int("incidents", e.Incidents))
	return nil
}

// #endregion log-notifier
