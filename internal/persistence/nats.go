package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions NATS 後端設定
type NATSOptions struct {
	URL    string
	Bucket string
	Object string
}

// NATS 將快照存成 JetStream Object Store 中的單一物件
//
// 物件內容與 File 後端相同，是 JSON 格式的 snapshotDoc。
// Put 同名物件即為覆寫，Object Store 會自動清除舊版本的 chunk。
type NATS struct {
	conn   *nats.Conn
	store  nats.ObjectStore
	object string
	owned  bool
	logger *slog.Logger
}

// OpenNATS 連線並綁定（或建立）Object Store bucket
func OpenNATS(opts NATSOptions, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(
		opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	n, err := NewNATS(conn, opts.Bucket, opts.Object, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.owned = true
	return n, nil
}

// NewNATS 以現有連線建立後端，Close 不會關閉連線
func NewNATS(conn *nats.Conn, bucket, object string, logger *slog.Logger) (*NATS, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	store, err := js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		logger.Info("creating object store bucket", "bucket", bucket)
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "mini-redis cache snapshots",
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind object store %q: %w", bucket, err)
	}

	if object == "" {
		object = "snapshot"
	}
	return &NATS{
		conn:   conn,
		store:  store,
		object: object,
		logger: logger,
	}, nil
}

// Save 覆寫快照物件
func (n *NATS) Save(ctx context.Context, snapshot map[string][]byte) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	info, err := n.store.PutBytes(n.object, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("nats put snapshot: %w", err)
	}
	n.logger.Debug("snapshot object stored", "object", info.Name, "size", info.Size)
	return nil
}

// Load 讀取快照物件，物件不存在時回傳空 map
func (n *NATS) Load(ctx context.Context) (map[string][]byte, error) {
	data, err := n.store.GetBytes(n.object, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nats get snapshot: %w", err)
	}

	return decodeSnapshot(data)
}

// Close 關閉自己建立的連線
func (n *NATS) Close() error {
	if n.owned {
		n.conn.Close()
	}
	return nil
}
