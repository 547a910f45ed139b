package controlplane

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"golang.org/x/time/rate"

	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/topology"
)

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Client keeps a topology.Store in sync with a remote cluster watcher
// over the Topology gRPC service, and reports command activity back to
// it over the ControlPlane service's ActiveUsers stream. Grounded on
// the teacher's config.Watcher reconnect/reload loop
// (internal/config/config.go), generalized from "retry opening one
// local file" to "redial a gRPC endpoint with exponential backoff".
type Client struct {
	addr    string
	store   *topology.Store
	metrics *metrics.Collector

	clusters   map[topology.ClusterKey]struct{}
	clustersMu sync.Mutex

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	userComCh chan UserCom

	cancel context.CancelFunc
	done   chan struct{}
}

// New dials addr lazily (on Run) and returns a Client ready to track
// clusters and forward user activity once started.
func New(addr string, store *topology.Store, collector *metrics.Collector) *Client {
	return &Client{
		addr:      addr,
		store:     store,
		metrics:   collector,
		clusters:  make(map[topology.ClusterKey]struct{}),
		limiters:  make(map[string]*rate.Limiter),
		userComCh: make(chan UserCom, 256),
		done:      make(chan struct{}),
	}
}

// WatchCluster registers a cluster the Subscribe loop should maintain
// a subscription for. Safe to call before or after Run.
func (c *Client) WatchCluster(cluster topology.ClusterKey) {
	c.clustersMu.Lock()
	c.clusters[cluster] = struct{}{}
	c.clustersMu.Unlock()
}

// RecordCommand queues a UserCom for the next ActiveUsers batch. It
// never blocks: a full buffer drops the record and logs once the
// cluster/user pair's limiter allows it, per the overload-hint
// rate-limiting described for the ActiveUsers stream.
func (c *Client) RecordCommand(cluster, user, com string, ts int64) {
	select {
	case c.userComCh <- UserCom{Cluster: cluster, User: user, Com: com, ComTS: ts}:
	default:
		c.logOverload(cluster, user, "active-users buffer full, dropping command record")
	}
}

func (c *Client) logOverload(cluster, user, msg string) {
	key := cluster + "/" + user
	c.limitersMu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(10*time.Second), 1)
		c.limiters[key] = lim
	}
	c.limitersMu.Unlock()
	if lim.Allow() {
		log.Printf("[controlplane] overload hint (%s): %s", key, msg)
	}
}

// Run dials the watcher and drives the Topology and ActiveUsers
// streams until ctx is cancelled. It never returns until shutdown;
// each stream reconnects independently with full-jitter exponential
// backoff.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer close(c.done)

	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return fmt.Errorf("controlplane: dialing %s: %w", c.addr, err)
	}
	defer conn.Close()

	topo := NewTopologyClient(conn)
	cp := NewControlPlaneClient(conn)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runTopologyLoop(ctx, topo)
	}()
	go func() {
		defer wg.Done()
		c.runActiveUsersLoop(ctx, cp)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Stop cancels Run and waits for both stream loops to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func (c *Client) runTopologyLoop(ctx context.Context, topo TopologyClient) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.subscribeOnce(ctx, topo); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.ControlPlaneReconnect("topology")
			delay := backoffDelay(attempt)
			log.Printf("[controlplane] topology stream error, reconnecting in %s: %v", delay, err)
			attempt++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
	}
}

// subscribeOnce opens one Subscribe stream per watched cluster,
// applies the initial snapshot and subsequent change events into the
// topology.Store, and returns when the context is cancelled or a
// stream errors.
func (c *Client) subscribeOnce(ctx context.Context, topo TopologyClient) error {
	c.clustersMu.Lock()
	clusters := make([]topology.ClusterKey, 0, len(c.clusters))
	for cl := range c.clusters {
		clusters = append(clusters, cl)
	}
	c.clustersMu.Unlock()

	if len(clusters) == 0 {
		resp, err := topo.GetTopology(ctx, &GetTopologyRequest{})
		if err != nil {
			return err
		}
		c.applyFullList(resp.Services)
		<-ctx.Done()
		return ctx.Err()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(clusters))
	for _, cluster := range clusters {
		wg.Add(1)
		go func(cluster topology.ClusterKey) {
			defer wg.Done()
			errCh <- c.subscribeCluster(ctx, topo, cluster)
		}(cluster)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *Client) subscribeCluster(ctx context.Context, topo TopologyClient, cluster topology.ClusterKey) error {
	stream, err := topo.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to cluster %s: %w", cluster, err)
	}
	subID := uuid.NewString()
	if err := stream.Send(&SubscribeRequest{ClusterName: string(cluster), SubscribeID: subID}); err != nil {
		return err
	}
	defer func() {
		_, _ = topo.CancelSubscribe(context.Background(), &CancelSubscribeRequest{SubscribeID: subID})
	}()

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		if len(resp.ServiceList) > 0 {
			c.applyFullList(resp.ServiceList)
		}
		if resp.ChangeEvent != nil {
			c.applyChangeEvent(*resp.ChangeEvent)
		}
	}
}

func (c *Client) applyFullList(services []DBService) {
	instances := make([]topology.BackendInstance, 0, len(services))
	var maxTS int64
	for _, svc := range services {
		instances = append(instances, toBackendInstance(svc))
		if svc.EventTimestamp > maxTS {
			maxTS = svc.EventTimestamp
		}
	}
	c.store.ApplySnapshot(instances, maxTS)
	c.metrics.TopologyEvent("snapshot", true)
}

func (c *Client) applyChangeEvent(svc DBService) {
	if svc.Status == StatusOffline {
		c.store.RemoveInstance(instanceID(svc), svc.EventTimestamp)
	} else {
		c.store.ApplyChangeEvent(toBackendInstance(svc))
	}
	c.metrics.TopologyEvent("change", true)
}

func instanceID(svc DBService) string {
	return svc.Cluster + "/" + svc.Name
}

func toBackendInstance(svc DBService) topology.BackendInstance {
	role := topology.RolePrimary
	return topology.BackendInstance{
		ID:             instanceID(svc),
		Cluster:        topology.ClusterKey(svc.Cluster),
		Address:        fmt.Sprintf("%s:%d", svc.Address, svc.Port),
		Locality:       svc.Location.AvailabilityZone,
		Role:           role,
		Username:       svc.Secrets.Username,
		Password:       svc.Secrets.Password,
		Database:       svc.Name,
		Online:         svc.Status == StatusReady,
		EventTimestamp: svc.EventTimestamp,
	}
}

func (c *Client) runActiveUsersLoop(ctx context.Context, cp ControlPlaneClient) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.streamActiveUsersOnce(ctx, cp); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.ControlPlaneReconnect("active-users")
			delay := backoffDelay(attempt)
			log.Printf("[controlplane] active-users stream error, reconnecting in %s: %v", delay, err)
			attempt++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
	}
}

func (c *Client) streamActiveUsersOnce(ctx context.Context, cp ControlPlaneClient) error {
	stream, err := cp.ActiveUsers(ctx)
	if err != nil {
		return err
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var pending []UserCom

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := &ActiveUsersBatch{
			Header: ActiveUsersHeader{
				PacketType:     "user_com_batch",
				PackageCount:   int32(len(pending)),
				SizePrePackage: 1,
				Size:           int32(len(pending)),
			},
			UserCom: pending,
		}
		pending = nil
		return stream.Send(batch)
	}

	for {
		select {
		case rec := <-c.userComCh:
			pending = append(pending, rec)
			if len(pending) >= 64 {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case err := <-recvErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
