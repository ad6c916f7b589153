package codec

import "fmt"

// Control-channel handshake terms. A client asks the peer's listener for a
// dedicated data port:
//
//	{port_please, ClientNode}
//
// and the listener answers
//
//	{port_ok, Port}  or  {error, Reason}
//
// after which the control connection closes and the client dials the
// ephemeral data port.

const (
	atomPortPlease Atom = "port_please"
	atomPortOK     Atom = "port_ok"
)

// EncodePortRequest builds the client side of the handshake.
func EncodePortRequest(node Atom) ([]byte, error) {
	return Encode(Tuple{atomPortPlease, node})
}

// DecodePortRequest parses a handshake request and returns the client's
// node name.
func DecodePortRequest(payload []byte) (Atom, error) {
	v, err := Decode(payload)
	if err != nil {
		return "", err
	}
	t, ok := v.(Tuple)
	if !ok || len(t) != 2 || t[0] != any(atomPortPlease) {
		return "", fmt.Errorf("%w: not a port request", ErrCorrupt)
	}
	node, ok := t[1].(Atom)
	if !ok || node == "" {
		return "", fmt.Errorf("%w: bad node name", ErrCorrupt)
	}
	return node, nil
}

// EncodePortReply builds the listener's answer.
func EncodePortReply(port int) ([]byte, error) {
	return Encode(Tuple{atomPortOK, int64(port)})
}

// EncodePortError builds a refusal.
func EncodePortError(reason string) ([]byte, error) {
	return Encode(Tuple{atomError, reason})
}

// DecodePortReply parses the listener's answer and returns the data port.
// A refusal or malformed answer yields an error.
func DecodePortReply(payload []byte) (int, error) {
	v, err := Decode(payload)
	if err != nil {
		return 0, err
	}
	t, ok := v.(Tuple)
	if !ok || len(t) != 2 {
		return 0, fmt.Errorf("%w: not a port reply", ErrCorrupt)
	}
	switch t[0] {
	case atomPortOK:
		port, ok := t[1].(int64)
		if !ok || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("%w: bad port %v", ErrCorrupt, t[1])
		}
		return int(port), nil
	case atomError:
		return 0, fmt.Errorf("peer refused allocation: %v", t[1])
	}
	return 0, fmt.Errorf("%w: not a port reply", ErrCorrupt)
}
