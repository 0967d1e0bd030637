package middleware

import (
	"net/netip"

	"github.com/touka-aoi/udp-endpoint/server/peer"
)

// Context carries one received message through a Pipeline. Data is only
// valid while the pipeline runs; middlewares that keep it must copy it.
type Context struct {
	Data     []byte
	Response []byte
	ID       peer.ConnectionID
	Addr     netip.AddrPort
	Metadata map[string]any
}

type NextFunc func(*Context) error
type MiddlewareFunc func(*Context, NextFunc) error

type Pipeline struct {
	middlewares []MiddlewareFunc
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]MiddlewareFunc, 0),
	}
}

func (p *Pipeline) Use(middleware MiddlewareFunc) *Pipeline {
	p.middlewares = append(p.middlewares, middleware)
	return p
}

func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

func (p *Pipeline) Execute(ctx *Context) error {
	return p.executeMiddleware(0, ctx)
}

func (p *Pipeline) executeMiddleware(index int, ctx *Context) error {
	if index >= len(p.middlewares) {
		return nil
	}

	next := func(ctx *Context) error {
		return p.executeMiddleware(index+1, ctx)
	}

	return p.middlewares[index](ctx, next)
}

func NewContext(data []byte, id peer.ConnectionID, addr netip.AddrPort) *Context {
	return &Context{
		Data:     data,
		ID:       id,
		Addr:     addr,
		Metadata: make(map[string]any),
	}
}
