package peer

// 参考: https://go.googlesource.com/go/%2B/master/src/net/http/server.go#3267
type ConnState int32

const (
	StateUnconfirmed ConnState = iota // handshake not finished
	StateConnected
	StateClosed
)

var stateName = map[ConnState]string{
	StateUnconfirmed: "unconfirmed",
	StateConnected:   "connected",
	StateClosed:      "closed",
}

func (s ConnState) String() string {
	return stateName[s]
}
