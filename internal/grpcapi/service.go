// Package grpcapi предоставляет двунаправленный gRPC поток телеметрии.
// Сообщения передаются как google.protobuf.Struct, поэтому сервису не нужен
// сгенерированный код.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Имена сервиса и метода
const (
	ServiceName      = "stopsign.v1.Telemetry"
	StreamMethodName = "/stopsign.v1.Telemetry/Stream"
)

// TelemetryServer серверная часть сервиса
type TelemetryServer interface {
	Stream(TelemetryStream) error
}

// TelemetryStream серверная сторона потока
type TelemetryStream interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

// ServiceDesc описание сервиса для grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "stopsign/v1/telemetry.proto",
}

// RegisterTelemetryServer регистрирует реализацию на сервере
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TelemetryServer).Stream(&telemetryStream{stream})
}

type telemetryStream struct {
	grpc.ServerStream
}

func (x *telemetryStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *telemetryStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// TelemetryClient клиент потока телеметрии
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient создает клиент поверх соединения
func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

// ClientStream клиентская сторона потока
type ClientStream struct {
	grpc.ClientStream
}

// Send отправляет сообщение
func (x *ClientStream) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

// Recv получает сообщение
func (x *ClientStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Stream открывает поток
func (c *TelemetryClient) Stream(ctx context.Context, opts ...grpc.CallOption) (*ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &ClientStream{stream}, nil
}
