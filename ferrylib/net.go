package ferrylib

import (
	"net"
	"strconv"
	"time"

	"github.com/lithdew/kademlia"
)

type ConnState int

const (
	StateNew ConnState = iota
	StateClosed
)

type ConnStateHandler interface {
	HandleConnState(conn *Conn, state ConnState)
}

type ConnStateHandlerFunc func(conn *Conn, state ConnState)

func (fn ConnStateHandlerFunc) HandleConnState(conn *Conn, state ConnState) { fn(conn, state) }

var DefaultConnStateHandler ConnStateHandlerFunc = func(conn *Conn, state ConnState) {}

type Handler interface {
	HandleMessage(ctx *RequestContext) error
}

type HandlerFunc func(ctx *RequestContext) error

func (fn HandlerFunc) HandleMessage(ctx *RequestContext) error { return fn(ctx) }

var DefaultHandler HandlerFunc = func(ctx *RequestContext) error { return nil }

type BindFunc func() (net.Listener, error)

func BindTCPAnyPort() BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", ":0") }
}

func BindTCP(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", addr) }
}

func BindTCPv4(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp4", addr) }
}

func BindTCPv6(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp6", addr) }
}

type DialFunc func() (net.Conn, error)

func DialTCP(addr string, timeout time.Duration) DialFunc {
	return func() (net.Conn, error) { return net.DialTimeout("tcp", addr, timeout) }
}

// DialPeer dials a peer at the address advertised in its identity.
func DialPeer(id *kademlia.ID, timeout time.Duration) DialFunc {
	return DialTCP(HostAddr(id.Host, id.Port), timeout)
}

func HostAddr(host net.IP, port uint16) string {
	h := ""
	if len(host) > 0 {
		h = host.String()
	}
	p := strconv.FormatUint(uint64(port), 10)
	return net.JoinHostPort(h, p)
}
