package auth

// Capability flags from the MySQL Client/Server Protocol, the subset
// this proxy negotiates and understands (spec Data Model: "Capabilities").
const (
	ClientLongPassword              uint32 = 1 << 0
	ClientFoundRows                 uint32 = 1 << 1
	ClientLongFlag                  uint32 = 1 << 2
	ClientConnectWithDB             uint32 = 1 << 3
	ClientNoSchema                  uint32 = 1 << 4
	ClientCompress                  uint32 = 1 << 5
	ClientODBC                      uint32 = 1 << 6
	ClientLocalFiles                uint32 = 1 << 7
	ClientIgnoreSpace                uint32 = 1 << 8
	ClientProtocol41                uint32 = 1 << 9
	ClientInteractive               uint32 = 1 << 10
	ClientSSL                       uint32 = 1 << 11
	ClientIgnoreSigpipe             uint32 = 1 << 12
	ClientTransactions              uint32 = 1 << 13
	ClientReserved                  uint32 = 1 << 14
	ClientSecureConnection          uint32 = 1 << 15
	ClientMultiStatements           uint32 = 1 << 16
	ClientMultiResults              uint32 = 1 << 17
	ClientPSMultiResults            uint32 = 1 << 18
	ClientPluginAuth                uint32 = 1 << 19
	ClientConnectAttrs              uint32 = 1 << 20
	ClientPluginAuthLenencClientData uint32 = 1 << 21
	ClientCanHandleExpiredPasswords uint32 = 1 << 22
	ClientSessionTrack              uint32 = 1 << 23
	ClientDeprecateEOF              uint32 = 1 << 24
)

// ProxyCapabilities is the fixed capability set this proxy advertises.
// The effective set negotiated with any peer is (peer capabilities ∩
// ProxyCapabilities), per the spec's Data Model.
const ProxyCapabilities = ClientLongPassword |
	ClientProtocol41 |
	ClientTransactions |
	ClientSecureConnection |
	ClientPluginAuth |
	ClientConnectWithDB |
	ClientSSL |
	ClientPluginAuthLenencClientData |
	ClientDeprecateEOF |
	ClientSessionTrack |
	ClientMultiResults

// Negotiate intersects the client's offered capabilities with the set
// this proxy advertises.
func Negotiate(clientCaps uint32) uint32 {
	return clientCaps & ProxyCapabilities
}
