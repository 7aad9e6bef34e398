package internal

import (
	"context"
	"net"
	"net/http/httptrace"
	"reflect"

	"github.com/frankli0324/go-xfer/internal/dialer"
	"github.com/frankli0324/go-xfer/internal/netpool"
	"github.com/frankli0324/go-xfer/internal/resolver"
)

// the context keys net and net/http/httptrace keep their traces under
var stdNetTraceKey, stdHttpTraceKey interface{}

type captureContext struct {
	context.Context
	capture func(reflect.Type)
}

func (c captureContext) Value(key interface{}) interface{} {
	c.capture(reflect.TypeOf(key))
	return nil
}

func init() {
	var stdNetTraceType, stdHttpTraceType reflect.Type

	capture := captureContext{context.Background(), nil}
	capture.capture = func(t reflect.Type) { stdNetTraceType = t }
	(&net.Dialer{}).DialContext(capture, "invalid", "")
	capture.capture = func(t reflect.Type) { stdHttpTraceType = t }
	httptrace.ContextClientTrace(capture)

	if stdNetTraceType != nil {
		stdNetTraceKey = reflect.New(stdNetTraceType).Elem().Interface()
	}
	if stdHttpTraceType != nil {
		stdHttpTraceKey = reflect.New(stdHttpTraceType).Elem().Interface()
	}
}

// shadowStandardClientTrace hides the caller's traces from the standard
// library below us, the [tracer] reports those events itself.
func shadowStandardClientTrace(ctx context.Context) context.Context {
	if stdHttpTraceKey != nil {
		ctx = context.WithValue(ctx, stdHttpTraceKey, nil)
	}
	if stdNetTraceKey != nil {
		ctx = context.WithValue(ctx, stdNetTraceKey, nil)
	}
	return ctx
}

// tracer reports the progress of a request to the [httptrace.ClientTrace]
// found in its context, if any.
type tracer struct {
	t *httptrace.ClientTrace
}

func newTracer(ctx context.Context) tracer {
	return tracer{httptrace.ContextClientTrace(ctx)}
}

func (tr tracer) getConn(hostPort string) {
	if tr.t != nil && tr.t.GetConn != nil {
		tr.t.GetConn(hostPort)
	}
}

func (tr tracer) gotConn(c *netpool.Conn) {
	if tr.t != nil && tr.t.GotConn != nil {
		tr.t.GotConn(httptrace.GotConnInfo{Conn: c.NetConn(), Reused: c.Reused(), WasIdle: c.Reused()})
	}
}

func (tr tracer) dnsStart(host string) {
	if tr.t != nil && tr.t.DNSStart != nil {
		tr.t.DNSStart(httptrace.DNSStartInfo{Host: host})
	}
}

func (tr tracer) dnsDone(h *resolver.Handle, err error) {
	if tr.t == nil || tr.t.DNSDone == nil {
		return
	}
	info := httptrace.DNSDoneInfo{Err: err}
	if h != nil {
		for _, a := range h.Addrs() {
			info.Addrs = append(info.Addrs, net.IPAddr{IP: a.AsSlice(), Zone: a.Zone()})
		}
	}
	tr.t.DNSDone(info)
}

func (tr tracer) connectStart(t *dialer.Target) {
	if tr.t != nil && tr.t.ConnectStart != nil {
		tr.t.ConnectStart("tcp", t.HostPort())
	}
}

func (tr tracer) connectDone(t *dialer.Target, err error) {
	if tr.t != nil && tr.t.ConnectDone != nil {
		tr.t.ConnectDone("tcp", t.HostPort(), err)
	}
}

func (tr tracer) wroteRequest(err error) {
	if tr.t != nil && tr.t.WroteRequest != nil {
		tr.t.WroteRequest(httptrace.WroteRequestInfo{Err: err})
	}
}

func (tr tracer) firstByte() {
	if tr.t != nil && tr.t.GotFirstResponseByte != nil {
		tr.t.GotFirstResponseByte()
	}
}
