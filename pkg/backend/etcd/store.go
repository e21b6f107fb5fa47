package etcd

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// Store implements backend.Store on etcd. Leases map onto etcd leases,
// every other operation is a single transaction.
type Store struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

// Config holds etcd connection configuration
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	// Prefix is prepended to every key, e.g. "/dtypes/".
	Prefix string
}

// DefaultConfig returns a config for the given endpoints.
func DefaultConfig(endpoints []string) Config {
	return Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Prefix:      "/dtypes/",
	}
}

// NewStore connects to etcd and checks that the first endpoint answers.
func NewStore(cfg Config) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, backend.NewConnectionError("connect", fmt.Sprint(cfg.Endpoints), fmt.Errorf("failed to connect to etcd: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if len(cfg.Endpoints) > 0 {
		if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
			cli.Close()
			return nil, backend.NewConnectionError("connect", cfg.Endpoints[0], fmt.Errorf("etcd status check failed: %w", err))
		}
	}

	return &Store{client: cli, prefix: cfg.Prefix, owned: true}, nil
}

// NewStoreFromClient shares an existing client. Close leaves it open.
func NewStoreFromClient(cli *clientv3.Client, prefix string) *Store {
	return &Store{client: cli, prefix: prefix}
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) k(key string) string {
	return s.prefix + key
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, s.k(key))
	if err != nil {
		return nil, false, backend.NewConnectionError("get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, s.k(key), string(value)); err != nil {
		return backend.NewConnectionError("set", key, err)
	}
	return nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error) {
	k := s.k(key)
	cmp := clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	if expected != nil {
		cmp = clientv3.Compare(clientv3.Value(k), "=", string(expected))
	}

	resp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(k, string(value))).Commit()
	if err != nil {
		return false, backend.NewConnectionError("cas", key, err)
	}
	return resp.Succeeded, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, s.k(key)); err != nil {
		return backend.NewConnectionError("delete", key, err)
	}
	return nil
}

// Increment retries a revision guarded put until it wins.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	k := s.k(key)
	for attempt := 0; attempt < backend.DefaultMaxRetries; attempt++ {
		resp, err := s.client.Get(ctx, k)
		if err != nil {
			return 0, backend.NewConnectionError("incr", key, err)
		}

		var (
			current int64
			rev     int64
		)
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			current, err = strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %s is not an integer", backend.ErrCorruptRecord, key)
			}
			rev = kv.ModRevision
		}

		next := current + 1
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
			Then(clientv3.OpPut(k, strconv.FormatInt(next, 10))).
			Commit()
		if err != nil {
			return 0, backend.NewConnectionError("incr", key, err)
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("%w: increment %s after %d attempts", backend.ErrConvergence, key, backend.DefaultMaxRetries)
}

// leaseSeconds rounds up; etcd leases are whole seconds.
func leaseSeconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}

func (s *Store) grant(ctx context.Context, op, key string, ttl time.Duration) (clientv3.LeaseID, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return 0, backend.NewConnectionError(op, key, fmt.Errorf("failed to grant lease: %w", err))
	}
	return lease.ID, nil
}

// revoke drops a lease nobody ended up using. Errors only delay its expiry.
func (s *Store) revoke(ctx context.Context, id clientv3.LeaseID) {
	_, _ = s.client.Revoke(ctx, id)
}

// retire revokes the lease a key was attached to before a put moved it to
// current. The key itself stays, it no longer belongs to the old lease.
func (s *Store) retire(ctx context.Context, prev *clientv3.GetResponse, current clientv3.LeaseID) {
	if prev == nil || len(prev.Kvs) == 0 {
		return
	}
	if old := clientv3.LeaseID(prev.Kvs[0].Lease); old != 0 && old != current {
		s.revoke(ctx, old)
	}
}

// AcquireLease checks the holder before granting, so a busy key costs one
// read per attempt instead of a grant and a revoke.
func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	k := s.k(key)
	cur, err := s.client.Get(ctx, k)
	if err != nil {
		return false, backend.NewConnectionError("lease_acquire", key, err)
	}
	if len(cur.Kvs) > 0 && string(cur.Kvs[0].Value) != token {
		return false, nil
	}

	id, err := s.grant(ctx, "lease_acquire", key, ttl)
	if err != nil {
		return false, err
	}

	put := clientv3.OpPut(k, token, clientv3.WithLease(id))
	// free key, or the same holder re-acquiring
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(put).
		Else(clientv3.OpTxn(
			[]clientv3.Cmp{clientv3.Compare(clientv3.Value(k), "=", token)},
			[]clientv3.Op{clientv3.OpGet(k), put},
			nil,
		)).
		Commit()
	if err != nil {
		s.revoke(ctx, id)
		return false, backend.NewConnectionError("lease_acquire", key, err)
	}
	if resp.Succeeded {
		return true, nil
	}

	nested := resp.Responses[0].GetResponseTxn()
	if !nested.GetSucceeded() {
		s.revoke(ctx, id)
		return false, nil
	}
	s.retire(ctx, (*clientv3.GetResponse)(nested.Responses[0].GetResponseRange()), id)
	return true, nil
}

// RefreshLease attaches the key to a fresh lease so the new ttl applies
// exactly, then revokes the lease it replaced.
func (s *Store) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	id, err := s.grant(ctx, "lease_refresh", key, ttl)
	if err != nil {
		return false, err
	}

	k := s.k(key)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", token)).
		Then(clientv3.OpGet(k), clientv3.OpPut(k, token, clientv3.WithLease(id))).
		Commit()
	if err != nil {
		s.revoke(ctx, id)
		return false, backend.NewConnectionError("lease_refresh", key, err)
	}
	if !resp.Succeeded {
		s.revoke(ctx, id)
		return false, nil
	}
	s.retire(ctx, (*clientv3.GetResponse)(resp.Responses[0].GetResponseRange()), id)
	return true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	k := s.k(key)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", token)).
		Then(clientv3.OpGet(k), clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, backend.NewConnectionError("lease_release", key, err)
	}
	if !resp.Succeeded {
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 && kvs[0].Lease != 0 {
		s.revoke(ctx, clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}

func (s *Store) held(leaseKey, token string) clientv3.Cmp {
	return clientv3.Compare(clientv3.Value(s.k(leaseKey)), "=", token)
}

// SetIfHeld puts key in a transaction that compares the lease holder.
func (s *Store) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(s.held(leaseKey, token)).
		Then(clientv3.OpPut(s.k(key), string(value))).
		Commit()
	if err != nil {
		return false, backend.NewConnectionError("guarded_set", key, err)
	}
	return resp.Succeeded, nil
}

func (s *Store) GetIfHeld(ctx context.Context, leaseKey, token, key string) ([]byte, bool, bool, error) {
	resp, err := s.client.Txn(ctx).
		If(s.held(leaseKey, token)).
		Then(clientv3.OpGet(s.k(key))).
		Commit()
	if err != nil {
		return nil, false, false, backend.NewConnectionError("guarded_get", key, err)
	}
	if !resp.Succeeded {
		return nil, false, false, nil
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return nil, false, true, nil
	}
	return kvs[0].Value, true, true, nil
}

var _ backend.Store = (*Store)(nil)
