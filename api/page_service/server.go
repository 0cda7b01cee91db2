package pageservice

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	bufferpool "github.com/sushant-115/gojodb-pagecache/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagecache/internal/telemetry"
)

// Server serves PageService from a buffer pool manager. Every lease it
// takes is released before the RPC returns.
type Server struct {
	bpm     *bufferpool.BufferPoolManager
	logger  *zap.Logger
	metrics *internaltelemetry.PageServiceMetrics
}

var _ PageServiceServer = (*Server)(nil)

func NewServer(bpm *bufferpool.BufferPoolManager, logger *zap.Logger, metrics *internaltelemetry.PageServiceMetrics) *Server {
	return &Server{bpm: bpm, logger: logger.Named("page_service"), metrics: metrics}
}

func (s *Server) ReadPage(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	lease, err := s.bpm.FetchPage(ctx, pagemanager.PageID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	defer lease.Release()

	out := make([]byte, pagemanager.PageSize)
	lease.Read(func(data []byte) { copy(out, data) })
	s.metrics.PageBytesCounter.Add(ctx, int64(len(out)),
		metric.WithAttributes(attribute.String("direction", "read")))
	return wrapperspb.Bytes(out), nil
}

func (s *Server) CreatePage(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	lease, err := s.bpm.CreatePage(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	defer lease.Release()
	return wrapperspb.UInt64(uint64(lease.PageID())), nil
}

func (s *Server) WritePage(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	pageID, offset, err := pageTarget(ctx)
	if err != nil {
		return nil, err
	}
	payload := req.GetValue()
	if offset+len(payload) > pagemanager.PageSize {
		return nil, status.Errorf(codes.InvalidArgument,
			"write of %d bytes at offset %d exceeds page size %d", len(payload), offset, pagemanager.PageSize)
	}

	lease, err := s.bpm.FetchPage(ctx, pageID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer lease.Release()

	n := lease.WriteAt(offset, payload)
	s.logger.Debug("Page written", zap.Stringer("page_id", pageID), zap.Int("offset", offset), zap.Int("bytes", n))
	s.metrics.PageBytesCounter.Add(ctx, int64(len(payload)),
		metric.WithAttributes(attribute.String("direction", "write")))
	return &emptypb.Empty{}, nil
}

func (s *Server) FlushAll(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.bpm.FlushAllPages(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.bpm.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"pool_size":      st.PoolSize,
		"cached_pages":   st.CachedPages,
		"pinned_frames":  st.PinnedFrames,
		"dirty_frames":   st.DirtyFrames,
		"hits":           st.Hits,
		"misses":         st.Misses,
		"pages_created":  st.PagesCreated,
		"evictions":      st.Evictions,
		"write_backs":    st.WriteBacks,
		"no_free_buffer": st.NoFreeBuffer,
		"hit_ratio":      st.HitRatio(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// pageTarget reads the WritePage id and offset from the request metadata.
// The offset defaults to 0.
func pageTarget(ctx context.Context) (pagemanager.PageID, int, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(PageIDKey)
	if len(ids) == 0 {
		return 0, 0, status.Errorf(codes.InvalidArgument, "missing %s metadata", PageIDKey)
	}
	id, err := strconv.ParseUint(ids[0], 10, 64)
	if err != nil {
		return 0, 0, status.Errorf(codes.InvalidArgument, "bad %s %q: %v", PageIDKey, ids[0], err)
	}

	offset := 0
	if offs := md.Get(PageOffsetKey); len(offs) > 0 {
		offset, err = strconv.Atoi(offs[0])
		if err != nil || offset < 0 || offset >= pagemanager.PageSize {
			return 0, 0, status.Errorf(codes.InvalidArgument, "bad %s %q", PageOffsetKey, offs[0])
		}
	}
	return pagemanager.PageID(id), offset, nil
}

// toStatus maps pool errors onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, flushmanager.ErrNoFreeBuffer):
		code = codes.ResourceExhausted
	case errors.Is(err, flushmanager.ErrInvalidPageID):
		code = codes.InvalidArgument
	case errors.Is(err, flushmanager.ErrPageNotFound):
		code = codes.NotFound
	case errors.Is(err, flushmanager.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		// ErrIO and anything unexpected.
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
