package binding

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region client-struct

// Client calls a remote gridmind.v1.Engine.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor

// NewClient connects to addr without transport security.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn uses an existing connection. Close is then a no-op.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close shuts down the connection opened by NewClient.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region calls

// ResetEpisode starts a new episode.
func (c *Client) ResetEpisode(ctx context.Context) (grid.Observation, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodResetEpisode, &emptypb.Empty{}, out); err != nil {
		return grid.Observation{}, fmt.Errorf("reset episode rpc: %w", err)
	}
	return decodeObservation(out), nil
}

// Step applies a.
func (c *Client) Step(ctx context.Context, a grid.Action) (StepReply, error) {
	return c.step(ctx, int(a))
}

// Act lets the remote engine choose the action.
func (c *Client) Act(ctx context.Context) (StepReply, error) {
	return c.step(ctx, "auto")
}

func (c *Client) step(ctx context.Context, action any) (StepReply, error) {
	in, err := structpb.NewStruct(map[string]any{"action": action})
	if err != nil {
		return StepReply{}, fmt.Errorf("encode step request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStep, in, out); err != nil {
		return StepReply{}, fmt.Errorf("step rpc: %w", err)
	}
	return decodeStep(out)
}

// Diagnostics fetches the engine's diagnostics.
func (c *Client) Diagnostics(ctx context.Context) (sim.Diagnostics, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetDiagnostics, &emptypb.Empty{}, out); err != nil {
		return sim.Diagnostics{}, fmt.Errorf("diagnostics rpc: %w", err)
	}
	return decodeDiagnostics(out), nil
}

// #endregion calls
