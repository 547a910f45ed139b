package controlplane

import (
	"context"

	"google.golang.org/grpc"
)

// Hand-authored client/server stubs in the shape protoc-gen-go-grpc
// would emit from the spec's Topology/ControlPlane service
// definitions, but built directly against grpc.ClientConnInterface and
// grpc.ServiceDesc so the message types in messages.go can stay plain
// JSON-tagged structs carried over the jsonCodec rather than requiring
// a .proto compile step.

const (
	topologyServiceName     = "koriproxy.controlplane.Topology"
	controlPlaneServiceName = "koriproxy.controlplane.ControlPlane"
)

// TopologyClient is the client-side interface to the watcher's
// Topology service.
type TopologyClient interface {
	GetTopology(ctx context.Context, in *GetTopologyRequest, opts ...grpc.CallOption) (*GetTopologyResponse, error)
	Subscribe(ctx context.Context, opts ...grpc.CallOption) (Topology_SubscribeClient, error)
	SubscribeNamespace(ctx context.Context, opts ...grpc.CallOption) (Topology_SubscribeNamespaceClient, error)
	CancelSubscribe(ctx context.Context, in *CancelSubscribeRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	CancelSubscribeNamespace(ctx context.Context, in *CancelSubscribeRequest, opts ...grpc.CallOption) (*CancelResponse, error)
}

type topologyClient struct {
	cc grpc.ClientConnInterface
}

// NewTopologyClient wraps an established grpc.ClientConn.
func NewTopologyClient(cc grpc.ClientConnInterface) TopologyClient {
	return &topologyClient{cc: cc}
}

func (c *topologyClient) GetTopology(ctx context.Context, in *GetTopologyRequest, opts ...grpc.CallOption) (*GetTopologyResponse, error) {
	out := new(GetTopologyResponse)
	if err := c.cc.Invoke(ctx, "/"+topologyServiceName+"/GetTopology", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *topologyClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (Topology_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &topologySubscribeStreamDesc, "/"+topologyServiceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	return &topologySubscribeClient{stream}, nil
}

func (c *topologyClient) SubscribeNamespace(ctx context.Context, opts ...grpc.CallOption) (Topology_SubscribeNamespaceClient, error) {
	stream, err := c.cc.NewStream(ctx, &topologySubscribeNamespaceStreamDesc, "/"+topologyServiceName+"/SubscribeNamespace", opts...)
	if err != nil {
		return nil, err
	}
	return &topologySubscribeNamespaceClient{stream}, nil
}

func (c *topologyClient) CancelSubscribe(ctx context.Context, in *CancelSubscribeRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, "/"+topologyServiceName+"/CancelSubscribe", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *topologyClient) CancelSubscribeNamespace(ctx context.Context, in *CancelSubscribeRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, "/"+topologyServiceName+"/CancelSubscribeNamespace", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Topology_SubscribeClient is the bidirectional stream handle for Subscribe.
type Topology_SubscribeClient interface {
	Send(*SubscribeRequest) error
	Recv() (*SubscribeResponse, error)
	grpc.ClientStream
}

type topologySubscribeClient struct {
	grpc.ClientStream
}

func (x *topologySubscribeClient) Send(m *SubscribeRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *topologySubscribeClient) Recv() (*SubscribeResponse, error) {
	m := new(SubscribeResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Topology_SubscribeNamespaceClient is the bidirectional stream handle
// for SubscribeNamespace.
type Topology_SubscribeNamespaceClient interface {
	Send(*SubscribeNamespaceRequest) error
	Recv() (*SubscribeResponse, error)
	grpc.ClientStream
}

type topologySubscribeNamespaceClient struct {
	grpc.ClientStream
}

func (x *topologySubscribeNamespaceClient) Send(m *SubscribeNamespaceRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *topologySubscribeNamespaceClient) Recv() (*SubscribeResponse, error) {
	m := new(SubscribeResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var topologySubscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

var topologySubscribeNamespaceStreamDesc = grpc.StreamDesc{
	StreamName:    "SubscribeNamespace",
	ServerStreams: true,
	ClientStreams: true,
}

// TopologyServer is the server-side interface, implemented by a test
// fake in this package's tests (a real watcher lives outside this repo).
type TopologyServer interface {
	GetTopology(context.Context, *GetTopologyRequest) (*GetTopologyResponse, error)
	Subscribe(Topology_SubscribeServer) error
	SubscribeNamespace(Topology_SubscribeNamespaceServer) error
	CancelSubscribe(context.Context, *CancelSubscribeRequest) (*CancelResponse, error)
	CancelSubscribeNamespace(context.Context, *CancelSubscribeRequest) (*CancelResponse, error)
}

type Topology_SubscribeServer interface {
	Send(*SubscribeResponse) error
	Recv() (*SubscribeRequest, error)
	grpc.ServerStream
}

type topologySubscribeServer struct {
	grpc.ServerStream
}

func (x *topologySubscribeServer) Send(m *SubscribeResponse) error { return x.ServerStream.SendMsg(m) }
func (x *topologySubscribeServer) Recv() (*SubscribeRequest, error) {
	m := new(SubscribeRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type Topology_SubscribeNamespaceServer interface {
	Send(*SubscribeResponse) error
	Recv() (*SubscribeNamespaceRequest, error)
	grpc.ServerStream
}

type topologySubscribeNamespaceServer struct {
	grpc.ServerStream
}

func (x *topologySubscribeNamespaceServer) Send(m *SubscribeResponse) error {
	return x.ServerStream.SendMsg(m)
}
func (x *topologySubscribeNamespaceServer) Recv() (*SubscribeNamespaceRequest, error) {
	m := new(SubscribeNamespaceRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterTopologyServer registers an implementation on s.
func RegisterTopologyServer(s grpc.ServiceRegistrar, srv TopologyServer) {
	s.RegisterService(&topologyServiceDesc, srv)
}

func topologyGetTopologyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetTopologyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TopologyServer).GetTopology(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + topologyServiceName + "/GetTopology"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TopologyServer).GetTopology(ctx, req.(*GetTopologyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func topologyCancelSubscribeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelSubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TopologyServer).CancelSubscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + topologyServiceName + "/CancelSubscribe"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TopologyServer).CancelSubscribe(ctx, req.(*CancelSubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func topologyCancelSubscribeNamespaceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelSubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TopologyServer).CancelSubscribeNamespace(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + topologyServiceName + "/CancelSubscribeNamespace"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TopologyServer).CancelSubscribeNamespace(ctx, req.(*CancelSubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func topologySubscribeStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TopologyServer).Subscribe(&topologySubscribeServer{stream})
}

func topologySubscribeNamespaceStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TopologyServer).SubscribeNamespace(&topologySubscribeNamespaceServer{stream})
}

var topologyServiceDesc = grpc.ServiceDesc{
	ServiceName: topologyServiceName,
	HandlerType: (*TopologyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTopology", Handler: topologyGetTopologyHandler},
		{MethodName: "CancelSubscribe", Handler: topologyCancelSubscribeHandler},
		{MethodName: "CancelSubscribeNamespace", Handler: topologyCancelSubscribeNamespaceHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: topologySubscribeStreamHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "SubscribeNamespace", Handler: topologySubscribeNamespaceStreamHandler, ServerStreams: true, ClientStreams: true},
	},
}

// ControlPlaneClient is the client-side interface to the ActiveUsers
// reporting stream.
type ControlPlaneClient interface {
	ActiveUsers(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ActiveUsersClient, error)
}

type controlPlaneClient struct {
	cc grpc.ClientConnInterface
}

// NewControlPlaneClient wraps an established grpc.ClientConn.
func NewControlPlaneClient(cc grpc.ClientConnInterface) ControlPlaneClient {
	return &controlPlaneClient{cc: cc}
}

func (c *controlPlaneClient) ActiveUsers(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ActiveUsersClient, error) {
	stream, err := c.cc.NewStream(ctx, &activeUsersStreamDesc, "/"+controlPlaneServiceName+"/ActiveUsers", opts...)
	if err != nil {
		return nil, err
	}
	return &controlPlaneActiveUsersClient{stream}, nil
}

type ControlPlane_ActiveUsersClient interface {
	Send(*ActiveUsersBatch) error
	Recv() (*ActiveUsersAck, error)
	grpc.ClientStream
}

type controlPlaneActiveUsersClient struct {
	grpc.ClientStream
}

func (x *controlPlaneActiveUsersClient) Send(m *ActiveUsersBatch) error {
	return x.ClientStream.SendMsg(m)
}

func (x *controlPlaneActiveUsersClient) Recv() (*ActiveUsersAck, error) {
	m := new(ActiveUsersAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ControlPlaneServer is the server-side interface for ActiveUsers.
type ControlPlaneServer interface {
	ActiveUsers(ControlPlane_ActiveUsersServer) error
}

type ControlPlane_ActiveUsersServer interface {
	Send(*ActiveUsersAck) error
	Recv() (*ActiveUsersBatch, error)
	grpc.ServerStream
}

type controlPlaneActiveUsersServer struct {
	grpc.ServerStream
}

func (x *controlPlaneActiveUsersServer) Send(m *ActiveUsersAck) error {
	return x.ServerStream.SendMsg(m)
}
func (x *controlPlaneActiveUsersServer) Recv() (*ActiveUsersBatch, error) {
	m := new(ActiveUsersBatch)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterControlPlaneServer registers an implementation on s.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, srv ControlPlaneServer) {
	s.RegisterService(&controlPlaneServiceDesc, srv)
}

func controlPlaneActiveUsersStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ControlPlaneServer).ActiveUsers(&controlPlaneActiveUsersServer{stream})
}

var activeUsersStreamDesc = grpc.StreamDesc{
	StreamName:    "ActiveUsers",
	ServerStreams: true,
	ClientStreams: true,
}

var controlPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: controlPlaneServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "ActiveUsers", Handler: controlPlaneActiveUsersStreamHandler, ServerStreams: true, ClientStreams: true},
	},
}
