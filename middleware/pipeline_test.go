package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
)

func TestPipelineOrder(t *testing.T) {
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(ctx *Context, next NextFunc) error {
			order = append(order, name+">")
			err := next(ctx)
			order = append(order, "<"+name)
			return err
		}
	}

	p := NewPipeline().Use(mark("a")).Use(mark("b"))
	if p.Len() != 2 {
		t.Fatalf("expected 2 middlewares, got %d", p.Len())
	}
	if err := p.Execute(NewContext([]byte("x"), 1, netip.AddrPort{})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a>", "b>", "<b", "<a"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestPipelineEmpty(t *testing.T) {
	ctx := NewContext([]byte("x"), 1, netip.AddrPort{})
	if err := NewPipeline().Execute(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Response != nil {
		t.Errorf("expected no response, got %q", ctx.Response)
	}
}

func TestEchoMiddleware(t *testing.T) {
	data := []byte("hello")
	ctx := NewContext(data, 7, netip.MustParseAddrPort("127.0.0.1:9000"))
	p := NewPipeline().
		Use(LoggingMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))).
		Use(EchoMiddleware)

	if err := p.Execute(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(ctx.Response, data) {
		t.Fatalf("expected %q, got %q", data, ctx.Response)
	}

	// the response must not alias the receive buffer
	data[0] = 'j'
	if ctx.Response[0] != 'h' {
		t.Errorf("response aliases input")
	}
}

func TestEchoKeepsExistingResponse(t *testing.T) {
	ctx := NewContext([]byte("ping"), 1, netip.AddrPort{})
	p := NewPipeline().Use(EchoMiddleware).Use(func(ctx *Context, next NextFunc) error {
		ctx.Response = []byte("pong")
		return next(ctx)
	})

	if err := p.Execute(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ctx.Response) != "pong" {
		t.Errorf("expected pong, got %q", ctx.Response)
	}
}

func TestSizeLimitMiddleware(t *testing.T) {
	p := NewPipeline().Use(SizeLimitMiddleware(4)).Use(EchoMiddleware)

	ctx := NewContext([]byte("12345"), 1, netip.AddrPort{})
	err := p.Execute(ctx)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if ctx.Response != nil {
		t.Errorf("expected no response, got %q", ctx.Response)
	}

	ctx = NewContext([]byte("1234"), 1, netip.AddrPort{})
	if err := p.Execute(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ctx.Response) != "1234" {
		t.Errorf("expected echo, got %q", ctx.Response)
	}
}
