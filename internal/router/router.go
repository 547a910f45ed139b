// Package router resolves an authenticated client connection to a
// target cluster and, within that cluster, to a specific backend
// instance. Grounded on the teacher's internal/router/router.go: the
// same atomic.Value snapshot-swap pattern (lock-free reads, a single
// write mutex serializing mutations) is retargeted from a flat
// "tenant -> TenantConfig" map to "(user, database) -> ClusterKey"
// resolution rules backed by the Topology Store.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/koriproxy/koriproxy/internal/topology"
)

// Locality is an opaque placement hint (e.g. an availability zone)
// used to prefer same-locality backend instances.
type Locality string

// routerSnapshot is an immutable point-in-time view of the routing
// rules. Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	// byDatabase maps a database name directly to a cluster, the
	// common case where one logical database is one cluster.
	byDatabase map[string]topology.ClusterKey
	// defaultCluster is used when no rule matches and the client
	// supplied no separator-delimited hint in its username.
	defaultCluster topology.ClusterKey
	hasDefault     bool
}

// Router resolves client identity to a cluster and, from there, to a
// specific backend instance, reading a live Topology Store.
type Router struct {
	snap  atomic.Value // holds *routerSnapshot
	wmu   sync.Mutex
	store *topology.Store
}

// New creates a Router with no rules configured; reads flow through
// Store's topology once rules are added via AddDatabaseRule or
// SetDefaultCluster.
func New(store *topology.Store) *Router {
	r := &Router{store: store}
	r.snap.Store(&routerSnapshot{byDatabase: make(map[string]topology.ClusterKey)})
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	next := &routerSnapshot{
		byDatabase:     make(map[string]topology.ClusterKey, len(cur.byDatabase)),
		defaultCluster: cur.defaultCluster,
		hasDefault:     cur.hasDefault,
	}
	for k, v := range cur.byDatabase {
		next.byDatabase[k] = v
	}
	return next
}

// AddDatabaseRule registers that connections selecting database map
// to cluster.
func (r *Router) AddDatabaseRule(database string, cluster topology.ClusterKey) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	s := r.cloneSnap()
	s.byDatabase[database] = cluster
	r.snap.Store(s)
}

// SetDefaultCluster sets the fallback cluster used when no
// database rule and no username hint resolve a connection.
func (r *Router) SetDefaultCluster(cluster topology.ClusterKey) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	s := r.cloneSnap()
	s.defaultCluster = cluster
	s.hasDefault = true
	r.snap.Store(s)
}

// Resolve determines which cluster a client's connection belongs to.
// clusterHint, when non-empty, is an explicit cluster name the
// HandshakeResponse41 username encoded (ExtractClusterHint below);
// it takes priority, then the database-name rule, then the default.
// Lock-free.
func (r *Router) Resolve(user, database, clusterHint string) (topology.ClusterKey, error) {
	snap := r.load()

	if clusterHint != "" {
		return topology.ClusterKey(clusterHint), nil
	}
	if database != "" {
		if cluster, ok := snap.byDatabase[database]; ok {
			return cluster, nil
		}
	}
	if snap.hasDefault {
		return snap.defaultCluster, nil
	}
	return "", fmt.Errorf("no cluster resolves for user %q database %q", user, database)
}

// SelectInstance picks one online backend instance from cluster,
// preferring locality, then fewest outstanding leases, then
// lexicographic instance ID as a tie-break. Reads one Topology Store
// snapshot and never blocks, per the Router's non-blocking contract.
func (r *Router) SelectInstance(cluster topology.ClusterKey, locality Locality, outstandingLeases func(instanceID string) int) (topology.BackendInstance, error) {
	instances := r.store.ClusterInstances(cluster)

	var candidates []topology.BackendInstance
	for _, inst := range instances {
		if inst.Online {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return topology.BackendInstance{}, fmt.Errorf("no online instances for cluster %q", cluster)
	}

	localityMatched := filterLocality(candidates, locality)
	if len(localityMatched) > 0 {
		candidates = localityMatched
	}

	leaseCount := func(id string) int {
		if outstandingLeases == nil {
			return 0
		}
		return outstandingLeases(id)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := leaseCount(candidates[i].ID), leaseCount(candidates[j].ID)
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates[0], nil
}

func filterLocality(candidates []topology.BackendInstance, locality Locality) []topology.BackendInstance {
	if locality == "" {
		return nil
	}
	var out []topology.BackendInstance
	for _, inst := range candidates {
		if inst.Locality == string(locality) {
			out = append(out, inst)
		}
	}
	return out
}

// Rules returns the current database->cluster rules and default
// cluster, for the admin API's read-only introspection endpoint.
func (r *Router) Rules() (byDatabase map[string]topology.ClusterKey, defaultCluster topology.ClusterKey, hasDefault bool) {
	snap := r.load()
	out := make(map[string]topology.ClusterKey, len(snap.byDatabase))
	for k, v := range snap.byDatabase {
		out[k] = v
	}
	return out, snap.defaultCluster, snap.hasDefault
}

// ExtractClusterHint parses an explicit cluster name out of a
// username, for clients that want to bypass database-name-based
// routing. Grounded on the teacher's ExtractTenantFromUsername, which
// the same split-on-separator heuristic is carried from unchanged.
func ExtractClusterHint(username string) (hint, realUser string, ok bool) {
	if idx := strings.Index(username, ".."); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	if idx := strings.Index(username, "__"); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	return "", username, false
}
