package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"zkelect/pkg/coordination"
)

// sequenceKeyPrefix keeps per-parent counters out of every path listing.
const sequenceKeyPrefix = "\x00sequence"

const sessionEventBuffer = 16

// Client maps the coordination namespace onto etcd keys. Ephemeral nodes are
// attached to the session lease; sequential names come from a per-parent
// counter updated in the same transaction as the node itself.
type Client struct {
	cli     *clientv3.Client
	session *concurrency.Session
	log     *zap.Logger
	events  chan coordination.SessionEvent

	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

var _ coordination.Client = (*Client)(nil)

// Dialer connects to etcd, logging through Log.
type Dialer struct {
	Log *zap.Logger
}

func (d Dialer) Dial(ctx context.Context, address string, sessionTimeout time.Duration) (coordination.Client, error) {
	return Connect(ctx, address, sessionTimeout, d.Log)
}

// Connect dials the comma separated endpoints in address and grants a lease
// whose TTL is the session timeout rounded up to whole seconds.
func Connect(ctx context.Context, address string, sessionTimeout time.Duration, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(address, ","),
		DialTimeout: sessionTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, &coordination.ConnectionError{Address: address, Err: err}
	}

	ttl := leaseTTL(sessionTimeout)
	grantCtx, cancelGrant := context.WithTimeout(ctx, sessionTimeout)
	defer cancelGrant()
	lease, err := cli.Grant(grantCtx, int64(ttl))
	if err != nil {
		cli.Close()
		return nil, &coordination.ConnectionError{Address: address, Err: err}
	}

	// The session keeps the lease alive; ephemerals are attached to it.
	sess, err := concurrency.NewSession(cli, concurrency.WithLease(lease.ID))
	if err != nil {
		cli.Close()
		return nil, &coordination.ConnectionError{Address: address, Err: err}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:     cli,
		session: sess,
		log:     log,
		events:  make(chan coordination.SessionEvent, sessionEventBuffer),
		ctx:     lifetime,
		cancel:  cancel,
	}
	c.events <- coordination.SessionEvent{State: coordination.SessionConnected, SessionID: c.SessionID(), Server: address}
	go c.monitor(address)
	return c, nil
}

func (c *Client) monitor(address string) {
	defer close(c.events)
	<-c.session.Done()

	state := coordination.SessionExpired
	if c.closing.Load() {
		state = coordination.SessionDisconnected
	}
	c.events <- coordination.SessionEvent{State: state, SessionID: c.SessionID(), Server: address}
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := c.check(ctx, "create", path); err != nil {
		return "", err
	}
	if err := coordination.Validate(path); err != nil {
		return "", coordination.NewError("create", path, err)
	}
	parent := parentOf(path)

	var opts []clientv3.OpOption
	if mode.IsEphemeral() {
		opts = append(opts, clientv3.WithLease(c.session.Lease()))
	}

	if !mode.IsSequential() {
		cmps := append(parentExists(parent), clientv3.Compare(clientv3.CreateRevision(path), "=", 0))
		resp, err := c.cli.Txn(ctx).If(cmps...).Then(clientv3.OpPut(path, string(data), opts...)).Commit()
		if err != nil {
			return "", coordination.NewError("create", path, mapError(err))
		}
		if resp.Succeeded {
			return path, nil
		}
		if err := c.requireParent(ctx, parent); err != nil {
			return "", coordination.NewError("create", path, err)
		}
		return "", coordination.NewError("create", path, coordination.ErrNodeExists)
	}

	seqKey := sequenceKey(parent)
	for {
		next, modRev, err := c.nextSequence(ctx, seqKey)
		if err != nil {
			return "", coordination.NewError("create", path, err)
		}
		name := coordination.SequentialName(path, next)
		cmps := append(parentExists(parent), clientv3.Compare(clientv3.ModRevision(seqKey), "=", modRev))
		resp, err := c.cli.Txn(ctx).If(cmps...).Then(
			clientv3.OpPut(seqKey, strconv.FormatInt(next+1, 10)),
			clientv3.OpPut(name, string(data), opts...),
		).Commit()
		if err != nil {
			return "", coordination.NewError("create", path, mapError(err))
		}
		if resp.Succeeded {
			return name, nil
		}
		if err := c.requireParent(ctx, parent); err != nil {
			return "", coordination.NewError("create", path, err)
		}
		// another session took this sequence number first
	}
}

func (c *Client) nextSequence(ctx context.Context, seqKey string) (int64, int64, error) {
	resp, err := c.cli.Get(ctx, seqKey)
	if err != nil {
		return 0, 0, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}
	next, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt sequence counter %q: %w", seqKey, err)
	}
	return next, resp.Kvs[0].ModRevision, nil
}

func (c *Client) requireParent(ctx context.Context, parent string) error {
	if parent == "/" {
		return nil
	}
	resp, err := c.cli.Get(ctx, parent, clientv3.WithKeysOnly())
	if err != nil {
		return mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return coordination.ErrNoNode
	}
	return nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	names, _, err := c.children(ctx, path)
	return names, err
}

func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.WatchEvent, error) {
	names, rev, err := c.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	prefix := childPrefix(path)
	ch := c.watchOnce(prefix, path, rev, coordination.ChildrenWatch, true, func(ev *clientv3.Event) (coordination.EventType, bool) {
		if !isDirectChild(prefix, string(ev.Kv.Key)) {
			return 0, false
		}
		if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
			return coordination.EventNodeChildrenChanged, true
		}
		return 0, false
	})
	return names, ch, nil
}

func (c *Client) children(ctx context.Context, path string) ([]string, int64, error) {
	if err := c.check(ctx, "children", path); err != nil {
		return nil, 0, err
	}
	if err := c.requireParent(ctx, path); err != nil {
		return nil, 0, coordination.NewError("children", path, err)
	}
	prefix := childPrefix(path)
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, 0, coordination.NewError("children", path, mapError(err))
	}
	var names []string
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if isDirectChild(prefix, key) {
			names = append(names, key[len(prefix):])
		}
	}
	return names, resp.Header.Revision, nil
}

func (c *Client) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	stat, _, _, err := c.get(ctx, "exists", path)
	return stat, err
}

func (c *Client) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.WatchEvent, error) {
	stat, _, rev, err := c.get(ctx, "exists", path)
	if err != nil {
		return nil, nil, err
	}
	return stat, c.watchOnce(path, path, rev, coordination.ExistenceWatch, false, classifyNode), nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	stat, data, _, err := c.get(ctx, "get", path)
	if err != nil {
		return nil, nil, err
	}
	if stat == nil {
		return nil, nil, coordination.NewError("get", path, coordination.ErrNoNode)
	}
	return data, stat, nil
}

func (c *Client) GetW(ctx context.Context, path string) ([]byte, *coordination.Stat, <-chan coordination.WatchEvent, error) {
	stat, data, rev, err := c.get(ctx, "get", path)
	if err != nil {
		return nil, nil, nil, err
	}
	if stat == nil {
		return nil, nil, nil, coordination.NewError("get", path, coordination.ErrNoNode)
	}
	return data, stat, c.watchOnce(path, path, rev, coordination.DataWatch, false, classifyNode), nil
}

func (c *Client) get(ctx context.Context, op, path string) (*coordination.Stat, []byte, int64, error) {
	if err := c.check(ctx, op, path); err != nil {
		return nil, nil, 0, err
	}
	resp, err := c.cli.Get(ctx, path)
	if err != nil {
		return nil, nil, 0, coordination.NewError(op, path, mapError(err))
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, resp.Header.Revision, nil
	}
	kv := resp.Kvs[0]
	return convertStat(kv), kv.Value, resp.Header.Revision, nil
}

// watchOnce delivers the first matching change after rev, then cancels the
// underlying etcd watch.
func (c *Client) watchOnce(key, path string, rev int64, kind coordination.WatchKind, prefix bool, classify func(*clientv3.Event) (coordination.EventType, bool)) <-chan coordination.WatchEvent {
	out := make(chan coordination.WatchEvent, 1)
	ctx, cancel := context.WithCancel(c.ctx)

	opts := []clientv3.OpOption{clientv3.WithRev(rev + 1)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	wch := c.cli.Watch(clientv3.WithRequireLeader(ctx), key, opts...)

	go func() {
		defer cancel()
		for {
			select {
			case <-c.session.Done():
				out <- coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: kind, Path: path, Err: coordination.ErrSessionExpired}
				return
			case resp, ok := <-wch:
				if !ok {
					out <- coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: kind, Path: path, Err: coordination.ErrClosed}
					return
				}
				if err := resp.Err(); err != nil {
					out <- coordination.WatchEvent{Type: coordination.EventNotWatching, Kind: kind, Path: path, Err: mapError(err)}
					return
				}
				for _, ev := range resp.Events {
					if t, ok := classify(ev); ok {
						out <- coordination.WatchEvent{Type: t, Kind: kind, Path: path}
						return
					}
				}
			}
		}
	}()
	return out
}

func (c *Client) SessionEvents() <-chan coordination.SessionEvent {
	return c.events
}

func (c *Client) SessionID() int64 {
	return int64(c.session.Lease())
}

// Close revokes the session lease, removing every ephemeral node.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()
		if serr := c.session.Close(); serr != nil {
			c.log.Warn("failed to revoke session lease", zap.Error(serr))
		}
		err = c.cli.Close()
	})
	return err
}

func (c *Client) check(ctx context.Context, op, path string) error {
	if c.ctx.Err() != nil {
		return coordination.NewError(op, path, coordination.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return coordination.NewError(op, path, err)
	}
	return nil
}

func classifyNode(ev *clientv3.Event) (coordination.EventType, bool) {
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		return coordination.EventNodeDeleted, true
	case ev.IsCreate():
		return coordination.EventNodeCreated, true
	default:
		return coordination.EventNodeDataChanged, true
	}
}

func parentExists(parent string) []clientv3.Cmp {
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

func isDirectChild(prefix, key string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return rest != "" && !strings.Contains(rest, "/")
}

func sequenceKey(parent string) string {
	return sequenceKeyPrefix + parent
}

func leaseTTL(sessionTimeout time.Duration) int {
	ttl := int(math.Ceil(sessionTimeout.Seconds()))
	if ttl < 1 {
		return 1
	}
	return ttl
}

func convertStat(kv *mvccpb.KeyValue) *coordination.Stat {
	return &coordination.Stat{
		CreatedRevision:  kv.CreateRevision,
		ModifiedRevision: kv.ModRevision,
		Version:          int32(kv.Version - 1),
		EphemeralOwner:   kv.Lease,
		DataLength:       int32(len(kv.Value)),
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %v", coordination.ErrSessionExpired, err)
	case errors.Is(err, clientv3.ErrNoAvailableEndpoints), errors.Is(err, rpctypes.ErrNoLeader):
		return fmt.Errorf("%w: %v", coordination.ErrConnectionLoss, err)
	default:
		return err
	}
}
