package codec

import (
	"fmt"

	"peer-rpc/rpcerror"
)

// Packet forms. On the wire a request is one of
//
//	{sender_node, waiter_handle, ref, {call, M, F, Args}}
//	{sender_node, {cast, M, F, Args}}
//
// and a reply is
//
//	{waiter_handle, ref, value}
//
// where value is {ok, Result} or {error, Code, Detail}. The waiter handle
// and ref are opaque 16-byte tokens minted by the client actor and echoed
// verbatim by the server.

const (
	atomCall  Atom = "call"
	atomCast  Atom = "cast"
	atomOK    Atom = "ok"
	atomError Atom = "error"
)

// HandleSize is the width of waiter handles and refs.
const HandleSize = 16

// CallRequest is a request/reply invocation.
type CallRequest struct {
	Sender   Atom
	Waiter   []byte
	Ref      []byte
	Module   Atom
	Function Atom
	Args     List
}

// CastRequest is a fire-and-forget invocation.
type CastRequest struct {
	Sender   Atom
	Module   Atom
	Function Atom
	Args     List
}

// Reply carries one call's result back to the waiter registered under Ref.
type Reply struct {
	Waiter []byte
	Ref    []byte
	Value  any // {ok, Result} or {error, Code, Detail}, still in term form
}

// EncodeCall serializes a CallRequest to frame payload bytes.
func EncodeCall(r *CallRequest) ([]byte, error) {
	if len(r.Waiter) != HandleSize || len(r.Ref) != HandleSize {
		return nil, fmt.Errorf("codec: waiter/ref must be %d bytes", HandleSize)
	}
	return Encode(Tuple{
		r.Sender,
		r.Waiter,
		r.Ref,
		Tuple{atomCall, r.Module, r.Function, r.Args},
	})
}

// EncodeCast serializes a CastRequest to frame payload bytes.
func EncodeCast(r *CastRequest) ([]byte, error) {
	return Encode(Tuple{
		r.Sender,
		Tuple{atomCast, r.Module, r.Function, r.Args},
	})
}

// DecodeRequest parses a request payload into a *CallRequest or
// *CastRequest. Malformed payloads yield an error wrapping ErrCorrupt.
func DecodeRequest(payload []byte) (any, error) {
	v, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	top, ok := v.(Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: request is not a tuple", ErrCorrupt)
	}
	switch len(top) {
	case 4:
		sender, ok := top[0].(Atom)
		if !ok {
			return nil, fmt.Errorf("%w: bad sender", ErrCorrupt)
		}
		waiter, wok := top[1].([]byte)
		ref, rok := top[2].([]byte)
		if !wok || !rok || len(waiter) != HandleSize || len(ref) != HandleSize {
			return nil, fmt.Errorf("%w: bad waiter/ref", ErrCorrupt)
		}
		m, f, args, err := decodeMFA(top[3], atomCall)
		if err != nil {
			return nil, err
		}
		return &CallRequest{Sender: sender, Waiter: waiter, Ref: ref, Module: m, Function: f, Args: args}, nil
	case 2:
		sender, ok := top[0].(Atom)
		if !ok {
			return nil, fmt.Errorf("%w: bad sender", ErrCorrupt)
		}
		m, f, args, err := decodeMFA(top[1], atomCast)
		if err != nil {
			return nil, err
		}
		return &CastRequest{Sender: sender, Module: m, Function: f, Args: args}, nil
	default:
		return nil, fmt.Errorf("%w: request tuple has %d elements", ErrCorrupt, len(top))
	}
}

func decodeMFA(v any, kind Atom) (Atom, Atom, List, error) {
	t, ok := v.(Tuple)
	if !ok || len(t) != 4 {
		return "", "", nil, fmt.Errorf("%w: bad invocation tuple", ErrCorrupt)
	}
	tag, ok := t[0].(Atom)
	if !ok || tag != kind {
		return "", "", nil, fmt.Errorf("%w: expected %s invocation", ErrCorrupt, kind)
	}
	m, mok := t[1].(Atom)
	f, fok := t[2].(Atom)
	args, aok := t[3].(List)
	if !mok || !fok || !aok {
		return "", "", nil, fmt.Errorf("%w: bad M/F/Args", ErrCorrupt)
	}
	return m, f, args, nil
}

// EncodeReply serializes a Reply to frame payload bytes.
func EncodeReply(r *Reply) ([]byte, error) {
	if len(r.Waiter) != HandleSize || len(r.Ref) != HandleSize {
		return nil, fmt.Errorf("codec: waiter/ref must be %d bytes", HandleSize)
	}
	return Encode(Tuple{r.Waiter, r.Ref, r.Value})
}

// DecodeReply parses a reply payload.
func DecodeReply(payload []byte) (*Reply, error) {
	v, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	top, ok := v.(Tuple)
	if !ok || len(top) != 3 {
		return nil, fmt.Errorf("%w: reply is not a 3-tuple", ErrCorrupt)
	}
	waiter, wok := top[0].([]byte)
	ref, rok := top[1].([]byte)
	if !wok || !rok || len(waiter) != HandleSize || len(ref) != HandleSize {
		return nil, fmt.Errorf("%w: bad waiter/ref", ErrCorrupt)
	}
	return &Reply{Waiter: waiter, Ref: ref, Value: top[2]}, nil
}

// OKValue wraps a successful result into the reply value form.
func OKValue(result any) any {
	return Tuple{atomOK, result}
}

// ErrorValue wraps a per-call RPC error into the reply value form.
// The detail must itself be an encodable term (crash reasons are strings).
func ErrorValue(e *rpcerror.RPCError) any {
	return Tuple{atomError, Atom(e.Code), e.Detail}
}

// ResultFromValue maps a decoded reply value back to (result, error).
// A value that is neither {ok, _} nor {error, _, _} yields
// {rpc_error, invalid_message}.
func ResultFromValue(v any) (any, error) {
	t, ok := v.(Tuple)
	if !ok {
		return nil, &rpcerror.RPCError{Code: rpcerror.InvalidMessage, Detail: fmt.Sprintf("%T", v)}
	}
	switch {
	case len(t) == 2 && t[0] == atomOK:
		return t[1], nil
	case len(t) == 3 && t[0] == atomError:
		code, ok := t[1].(Atom)
		if !ok {
			break
		}
		return nil, &rpcerror.RPCError{Code: rpcerror.Code(code), Detail: t[2]}
	}
	return nil, &rpcerror.RPCError{Code: rpcerror.InvalidMessage, Detail: fmt.Sprintf("%v", v)}
}
