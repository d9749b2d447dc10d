package proto

import (
	"context"

	"google.golang.org/grpc"
)

// Hand-written service types for the mesh transport and discovery
// surface, in the shape protoc would generate. The Open stream carries
// opaque DataFrames in both directions; the unary methods expose the
// discovery registry to remote nodes.

// MeshServiceClient is the client interface for the mesh service.
type MeshServiceClient interface {
	Open(ctx context.Context, opts ...grpc.CallOption) (MeshService_OpenClient, error)
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Deregister(ctx context.Context, in *DeregisterRequest, opts ...grpc.CallOption) (*DeregisterResponse, error)
	Renew(ctx context.Context, in *RenewRequest, opts ...grpc.CallOption) (*RenewResponse, error)
	Lookup(ctx context.Context, in *LookupRequest, opts ...grpc.CallOption) (*LookupResponse, error)
}

// MeshService_OpenClient is the client side of the Open bidi stream.
type MeshService_OpenClient interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ClientStream
}

type meshServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMeshServiceClient creates a new MeshServiceClient.
func NewMeshServiceClient(cc grpc.ClientConnInterface) MeshServiceClient {
	return &meshServiceClient{cc}
}

func (c *meshServiceClient) Open(ctx context.Context, opts ...grpc.CallOption) (MeshService_OpenClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Open",
		ServerStreams: true,
		ClientStreams: true,
	}, "/agentmesh.MeshService/Open", opts...)
	if err != nil {
		return nil, err
	}
	return &meshServiceOpenClient{stream}, nil
}

type meshServiceOpenClient struct {
	grpc.ClientStream
}

func (x *meshServiceOpenClient) Send(m *DataFrame) error {
	return x.SendMsg(m)
}

func (x *meshServiceOpenClient) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *meshServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/agentmesh.MeshService/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *meshServiceClient) Deregister(ctx context.Context, in *DeregisterRequest, opts ...grpc.CallOption) (*DeregisterResponse, error) {
	out := new(DeregisterResponse)
	if err := c.cc.Invoke(ctx, "/agentmesh.MeshService/Deregister", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *meshServiceClient) Renew(ctx context.Context, in *RenewRequest, opts ...grpc.CallOption) (*RenewResponse, error) {
	out := new(RenewResponse)
	if err := c.cc.Invoke(ctx, "/agentmesh.MeshService/Renew", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *meshServiceClient) Lookup(ctx context.Context, in *LookupRequest, opts ...grpc.CallOption) (*LookupResponse, error) {
	out := new(LookupResponse)
	if err := c.cc.Invoke(ctx, "/agentmesh.MeshService/Lookup", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// MeshServiceServer is the server interface for the mesh service.
type MeshServiceServer interface {
	Open(MeshService_OpenServer) error
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Deregister(context.Context, *DeregisterRequest) (*DeregisterResponse, error)
	Renew(context.Context, *RenewRequest) (*RenewResponse, error)
	Lookup(context.Context, *LookupRequest) (*LookupResponse, error)
}

// MeshService_OpenServer is the server side of the Open bidi stream.
type MeshService_OpenServer interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ServerStream
}

type meshServiceOpenServer struct {
	grpc.ServerStream
}

func (x *meshServiceOpenServer) Send(m *DataFrame) error {
	return x.SendMsg(m)
}

func (x *meshServiceOpenServer) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _MeshService_Open_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(MeshServiceServer).Open(&meshServiceOpenServer{stream})
}

func _MeshService_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeshServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentmesh.MeshService/Register",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MeshServiceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MeshService_Deregister_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeregisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeshServiceServer).Deregister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentmesh.MeshService/Deregister",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MeshServiceServer).Deregister(ctx, req.(*DeregisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MeshService_Renew_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RenewRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeshServiceServer).Renew(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentmesh.MeshService/Renew",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MeshServiceServer).Renew(ctx, req.(*RenewRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _MeshService_Lookup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MeshServiceServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentmesh.MeshService/Lookup",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MeshServiceServer).Lookup(ctx, req.(*LookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterMeshServiceServer registers the mesh service with gRPC.
func RegisterMeshServiceServer(s grpc.ServiceRegistrar, srv MeshServiceServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "agentmesh.MeshService",
		HandlerType: (*MeshServiceServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Register",
				Handler:    _MeshService_Register_Handler,
			},
			{
				MethodName: "Deregister",
				Handler:    _MeshService_Deregister_Handler,
			},
			{
				MethodName: "Renew",
				Handler:    _MeshService_Renew_Handler,
			},
			{
				MethodName: "Lookup",
				Handler:    _MeshService_Lookup_Handler,
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Open",
				Handler:       _MeshService_Open_Handler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "mesh_service.proto",
	}, srv)
}
