package main

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akhenakh/gtiffread/geotiff"
)

// RasterServiceName is the gRPC service exposing the raster. Messages are
// google.protobuf.Struct so clients need no generated code.
const RasterServiceName = "gtiffread.v1.RasterService"

// RasterServiceServer is the server API for RasterService.
type RasterServiceServer interface {
	Info(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Checksum(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Value(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Profile(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryMethod(name string, call func(RasterServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + RasterServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RasterServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RasterServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RasterServiceDesc describes RasterService for grpc.ServiceRegistrar.
var RasterServiceDesc = grpc.ServiceDesc{
	ServiceName: RasterServiceName,
	HandlerType: (*RasterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Info", RasterServiceServer.Info),
		unaryMethod("Read", RasterServiceServer.Read),
		unaryMethod("Checksum", RasterServiceServer.Checksum),
		unaryMethod("Value", RasterServiceServer.Value),
		unaryMethod("Profile", RasterServiceServer.Profile),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gtiffread/v1/raster.proto",
}

func RegisterRasterServiceServer(s grpc.ServiceRegistrar, srv RasterServiceServer) {
	s.RegisterService(&RasterServiceDesc, srv)
}

type Server struct {
	ds        *geotiff.Dataset
	maxPixels int
}

func (s *Server) Info(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(rasterInfo(s.ds))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding info: %v", err)
	}
	return out, nil
}

func (s *Server) Read(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := readRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := readValues(ctx, s.ds, req, s.maxPixels)
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := structpb.NewStruct(res.asMap())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding read: %v", err)
	}
	return out, nil
}

func (s *Server) Checksum(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	band := intField(in, "band", 1)
	var win *geotiff.Window
	if _, ok := in.GetFields()["width"]; ok {
		win = &geotiff.Window{
			X:      intField(in, "x", 0),
			Y:      intField(in, "y", 0),
			Width:  intField(in, "width", 0),
			Height: intField(in, "height", 0),
		}
	}
	sum, err := s.ds.Checksum(ctx, band, win)
	if err != nil {
		return nil, grpcError(err)
	}
	out, _ := structpb.NewStruct(map[string]any{"band": band, "checksum": sum})
	return out, nil
}

func (s *Server) Value(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	x, okx := floatField(in, "x")
	y, oky := floatField(in, "y")
	if !okx || !oky {
		return nil, status.Error(codes.InvalidArgument, "x and y are required")
	}
	v, err := s.ds.AtCoord(ctx, x, y)
	if err != nil {
		return nil, grpcError(err)
	}
	out, _ := structpb.NewStruct(map[string]any{"x": x, "y": y, "value": v})
	return out, nil
}

func (s *Server) Profile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var coords [][]float64
	for _, p := range in.GetFields()["points"].GetListValue().GetValues() {
		var pair []float64
		for _, c := range p.GetListValue().GetValues() {
			pair = append(pair, c.GetNumberValue())
		}
		coords = append(coords, pair)
	}
	if len(coords) < 2 {
		return nil, status.Error(codes.InvalidArgument, "at least two points are required for a profile")
	}
	profile, err := s.ds.Profile(ctx, coords)
	if err != nil {
		return nil, grpcError(err)
	}
	points := make([]any, len(profile))
	for i, p := range profile {
		points[i] = []any{p[0], p[1], p[2]}
	}
	out, err := structpb.NewStruct(map[string]any{"points": points})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding profile: %v", err)
	}
	return out, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, errTooLarge), errors.Is(err, geotiff.ErrResourceLimit):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, geotiff.ErrBlockLocation):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, geotiff.ErrFetch):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, geotiff.ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	}
	return status.Errorf(codes.Internal, "raster read failed: %v", err)
}

func intField(in *structpb.Struct, name string, def int) int {
	v, ok := in.GetFields()[name]
	if !ok {
		return def
	}
	return int(v.GetNumberValue())
}

func floatField(in *structpb.Struct, name string) (float64, bool) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, false
	}
	_, isNum := v.GetKind().(*structpb.Value_NumberValue)
	return v.GetNumberValue(), isNum
}

func readRequestFromStruct(in *structpb.Struct) (readParams, error) {
	p := readParams{
		x:         intField(in, "x", 0),
		y:         intField(in, "y", 0),
		width:     intField(in, "width", 0),
		height:    intField(in, "height", 0),
		outWidth:  intField(in, "out_width", 0),
		outHeight: intField(in, "out_height", 0),
	}
	for _, b := range in.GetFields()["bands"].GetListValue().GetValues() {
		p.bands = append(p.bands, int(b.GetNumberValue()))
	}
	if r := in.GetFields()["resampling"].GetStringValue(); r != "" {
		rs, err := parseResampling(r)
		if err != nil {
			return p, err
		}
		p.resampling = rs
	}
	if p.width < 0 || p.height < 0 || p.outWidth < 0 || p.outHeight < 0 {
		return p, fmt.Errorf("negative size")
	}
	return p, nil
}
