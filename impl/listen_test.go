package impl

import (
	"context"
	"net"
	"testing"
)

func TestListenRebind(t *testing.T) {
	ctx := context.Background()

	ln, err := Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	// closing the server side first leaves the port in TIME_WAIT
	if c, ok := <-accepted; ok {
		_ = c.Close()
	}
	_ = ln.Close()
	_ = client.Close()

	ln, err = Listen(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("rebind %v: %v", addr, err)
	}
	_ = ln.Close()
}
