package pageservice

import (
	"context"
	"crypto/tls"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

// PageServiceClient is the client API for the page service.
type PageServiceClient interface {
	ReadPage(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	CreatePage(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	// WritePage needs the target set on ctx with WithPageTarget.
	WritePage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	FlushAll(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type pageServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPageServiceClient(cc grpc.ClientConnInterface) PageServiceClient {
	return &pageServiceClient{cc}
}

func (c *pageServiceClient) ReadPage(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, ReadPageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pageServiceClient) CreatePage(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, CreatePageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pageServiceClient) WritePage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, WritePageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pageServiceClient) FlushAll(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, FlushAllMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pageServiceClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WithPageTarget attaches the WritePage id and offset to ctx.
func WithPageTarget(ctx context.Context, pageID pagemanager.PageID, offset int) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		PageIDKey, strconv.FormatUint(uint64(pageID), 10),
		PageOffsetKey, strconv.Itoa(offset))
}

// Dial opens a client connection to addr. A nil tlsConfig dials in
// plaintext.
func Dial(addr string, tlsConfig *tls.Config, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	return grpc.NewClient(addr, append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)...)
}
