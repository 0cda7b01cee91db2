package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pageservice "github.com/sushant-115/gojodb-pagecache/api/page_service"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-pagecache/pkg/connection"
)

// remoteTarget drives a page service over a pool of gRPC connections.
type remoteTarget struct {
	addr  string
	conns *connection.PoolManager
}

func newRemoteTarget(addr string, size int) (*remoteTarget, error) {
	pool := connection.NewPoolManager(size, func(address string) (*grpc.ClientConn, error) {
		return pageservice.Dial(address, nil)
	})
	return &remoteTarget{addr: addr, conns: pool}, nil
}

// call runs fn with a pooled client and maps ResourceExhausted to errRetry.
// A connection that reports Unavailable is dropped instead of reused.
func (r *remoteTarget) call(fn func(pageservice.PageServiceClient) error) error {
	conn, err := r.conns.Get(r.addr)
	if err != nil {
		return err
	}
	err = fn(pageservice.NewPageServiceClient(conn))
	switch status.Code(err) {
	case codes.Unavailable:
		_ = conn.ForceClose()
		return err
	case codes.ResourceExhausted:
		err = errRetry
	}
	_ = conn.Release()
	return err
}

func (r *remoteTarget) create(ctx context.Context) (pagemanager.PageID, error) {
	var id pagemanager.PageID
	err := r.call(func(c pageservice.PageServiceClient) error {
		resp, err := c.CreatePage(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		id = pagemanager.PageID(resp.GetValue())
		return nil
	})
	if err != nil {
		return 0, err
	}

	// The page may be evicted between the two calls; WritePage fetches it
	// back either way.
	stamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(stamp, uint64(id))
	err = r.call(func(c pageservice.PageServiceClient) error {
		_, err := c.WritePage(pageservice.WithPageTarget(ctx, id, 0), wrapperspb.Bytes(stamp))
		return err
	})
	return id, err
}

func (r *remoteTarget) stamp(ctx context.Context, id pagemanager.PageID) (uint64, error) {
	var got uint64
	err := r.call(func(c pageservice.PageServiceClient) error {
		resp, err := c.ReadPage(ctx, wrapperspb.UInt64(uint64(id)))
		if err != nil {
			return err
		}
		got = binary.LittleEndian.Uint64(resp.GetValue())
		return nil
	})
	return got, err
}

func (r *remoteTarget) summary(ctx context.Context) (string, error) {
	var out string
	err := r.call(func(c pageservice.PageServiceClient) error {
		st, err := c.Stats(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		f := st.GetFields()
		out = fmt.Sprintf("server pool %d frames: hit ratio %.2f%%, %s evictions, %s write-backs, %s exhausted (%d connections)",
			int(f["pool_size"].GetNumberValue()), f["hit_ratio"].GetNumberValue()*100,
			humanize.Comma(int64(f["evictions"].GetNumberValue())),
			humanize.Comma(int64(f["write_backs"].GetNumberValue())),
			humanize.Comma(int64(f["no_free_buffer"].GetNumberValue())),
			r.conns.Size(r.addr))
		return nil
	})
	return out, err
}

func (r *remoteTarget) close(_ context.Context) error {
	r.conns.Close()
	return nil
}
