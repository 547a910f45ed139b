// Package controlplane implements the streaming client that keeps the
// proxy's Topology Store in sync with an external cluster watcher and
// reports active-user command activity back to it. Grounded on the
// teacher's config.Watcher (internal/config/config.go): the same
// reconnect-and-reapply-on-change shape is kept, generalized from
// "watch one local YAML file" to "watch a remote gRPC topology feed
// with its own reconnect/backoff policy," per the spec's Control-Plane
// Client design (§4.G).
package controlplane

// ServiceStatus mirrors the spec's DBService status enum.
type ServiceStatus int32

const (
	StatusUnknown ServiceStatus = 0
	StatusNotReady ServiceStatus = 1
	StatusReady    ServiceStatus = 2
	StatusOffline  ServiceStatus = 3
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not_ready"
	case StatusReady:
		return "ready"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// DBLocation places a DBService within the watcher's topology,
// mirroring the spec's DBLocation (region, availability zone,
// namespace, node name).
type DBLocation struct {
	Region           string `json:"region"`
	AvailabilityZone string `json:"availability_zone"`
	Namespace        string `json:"namespace"`
	NodeName         string `json:"node_name"`
}

// ServiceSecrets carries the credentials the proxy should use when
// dialing a DBService as a backend.
type ServiceSecrets struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DBService is one backend database endpoint the watcher knows about,
// mirroring the spec's DBService message.
type DBService struct {
	Cluster        string            `json:"cluster"`
	Name           string            `json:"name"`
	Location       DBLocation        `json:"location"`
	Status         ServiceStatus     `json:"status"`
	Address        string            `json:"address"`
	Port           int32             `json:"port"`
	Secrets        ServiceSecrets    `json:"secrets"`
	Labels         map[string]string `json:"labels"`
	EventTimestamp int64             `json:"event_timestamp"`
}

// GetTopologyRequest asks the watcher for a full topology snapshot,
// optionally scoped to a set of locations.
type GetTopologyRequest struct {
	Locations []DBLocation `json:"locations"`
}

// GetTopologyResponse is the watcher's reply to GetTopology.
type GetTopologyResponse struct {
	Services []DBService `json:"services"`
}

// SubscribeRequest opens or renews a per-cluster change subscription.
type SubscribeRequest struct {
	ClusterName string `json:"cluster_name"`
	SubscribeID string `json:"subscribe_id"`
	Force       bool   `json:"force"`
}

// SubscribeNamespaceRequest opens a namespace-scoped subscription,
// mirroring SubscribeNamespace in the spec's Topology service.
type SubscribeNamespaceRequest struct {
	Location    DBLocation `json:"location"`
	SubscribeID string     `json:"subscribe_id"`
	Force       bool       `json:"force"`
	Labels      map[string]string `json:"labels"`
}

// CancelSubscribeRequest tears down a subscription by ID.
type CancelSubscribeRequest struct {
	SubscribeID string `json:"subscribe_id"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Ok bool `json:"ok"`
}

// SubscribeResponse is one message on a Subscribe/SubscribeNamespace
// stream: either a change to a single service, or (on first connect,
// before any incremental change) the current service list.
type SubscribeResponse struct {
	ChangeEvent *DBService  `json:"change_event,omitempty"`
	ServiceList []DBService `json:"service_list,omitempty"`
}

// ActiveUsersHeader describes the batch that follows it on the
// ActiveUsers stream, mirroring the spec's wire header
// {packet_type, package_count, size_pre_package, size}.
type ActiveUsersHeader struct {
	PacketType     string `json:"packet_type"`
	PackageCount   int32  `json:"package_count"`
	SizePrePackage int32  `json:"size_pre_package"`
	Size           int32  `json:"size"`
}

// UserCom is one recorded command a client issued against a cluster,
// mirroring the spec's UserCom{cluster, user, com, com_ts}.
type UserCom struct {
	Cluster string `json:"cluster"`
	User    string `json:"user"`
	Com     string `json:"com"`
	ComTS   int64  `json:"com_ts"`
}

// ActiveUsersBatch is one message the proxy sends on the ActiveUsers
// stream: a header plus the batch of UserCom records it describes.
type ActiveUsersBatch struct {
	Header  ActiveUsersHeader `json:"header"`
	UserCom []UserCom         `json:"user_com"`
}

// ActiveUsersAck is the watcher's acknowledgement of a batch, used
// only to keep the bidirectional stream's read side alive.
type ActiveUsersAck struct {
	Received int32 `json:"received"`
}
