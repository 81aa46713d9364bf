package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"time"

	"PeopleDetServer/detect"
	iface "PeopleDetServer/interface"
	"PeopleDetServer/logger"
	"PeopleDetServer/monitor"

	"github.com/getsentry/raven-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const msgInvalidImage = "Invalid image format"

// msgOverhead covers BytesValue and gRPC framing on top of the image bytes.
const msgOverhead = 1 << 10

// Detector runs one detection pass and returns the client payload.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*iface.PredictResponse, error)
}

type Server struct {
	det          Detector
	cfg          iface.EngineConfig
	mon          *monitor.Monitor
	reportErrors bool
}

// NewServer serves det. mon may be nil.
func NewServer(det Detector, cfg iface.EngineConfig, mon *monitor.Monitor, reportErrors bool) *Server {
	return &Server{det: det, cfg: cfg, mon: mon, reportErrors: reportErrors}
}

func (s *Server) Predict(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	img, err := detect.DecodeBytes(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, msgInvalidImage)
	}
	resp, err := s.det.Detect(ctx, img)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		if s.reportErrors {
			raven.CaptureError(err, map[string]string{"surface": monitor.SurfaceGRPC})
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(resp)
}

func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("pong"), nil
}

func (s *Server) CheckEngine(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	names := make([]any, 0, len(s.cfg.Names))
	for _, n := range s.cfg.Names {
		names = append(names, n)
	}
	info, err := structpb.NewStruct(map[string]any{
		"backend":    s.cfg.Backend,
		"modelPath":  s.cfg.ModelPath,
		"names":      names,
		"confidence": float64(s.cfg.Conf),
		"iou":        float64(s.cfg.Iou),
		"inputSize":  s.cfg.InputSize,
		"useGPU":     s.cfg.UseGPU,
		"workers":    s.cfg.Workers,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return info, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// observe logs every call and counts it by status code.
func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if s.mon != nil && info.FullMethod == DetectService_Predict {
		s.mon.ObserveRequest(monitor.SurfaceGRPC, code.String())
	}
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", code.String()),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil && code != codes.InvalidArgument {
		logger.Log().Error("gRPC call failed", append(fields, zap.Error(err))...)
	} else {
		logger.Log().Info("gRPC call", fields...)
	}
	return resp, err
}

// NewGRPCServer builds a grpc.Server with s registered. maxMsgBytes bounds
// the image size like the HTTP upload limit.
func NewGRPCServer(s *Server, maxMsgBytes int) *grpc.Server {
	gs := grpc.NewServer(
		grpc.UnaryInterceptor(s.observe),
		grpc.MaxRecvMsgSize(maxMsgBytes+msgOverhead),
	)
	RegisterDetectServiceServer(gs, s)
	return gs
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(s *Server, port, maxMsgBytes int) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := NewGRPCServer(s, maxMsgBytes)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := gs.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return gs, nil
}
