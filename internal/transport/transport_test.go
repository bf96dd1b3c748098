package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/logging"
)

func TestDialListen(t *testing.T) {
	tr := NewTCPTransport(logging.Discard())
	l, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("220 ready\r\n"))
	}()

	conn, err := tr.Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 11)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "220 ready\r\n" {
		t.Errorf("Unexpected greeting %q", buf)
	}
}

func TestIdleTimeout(t *testing.T) {
	tr := NewTCPTransport(logging.Discard())
	tr.IdleTimeout = 50 * time.Millisecond
	l, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()

	done := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err == nil {
			<-done
			conn.Close()
		}
	}()
	defer close(done)

	conn, err := tr.Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected read to time out")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Read blocked for %v", elapsed)
	}
}

func TestDialRefused(t *testing.T) {
	tr := NewTCPTransport(logging.Discard())
	l, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	if _, err := tr.Dial(context.Background(), addr); err == nil {
		t.Fatal("Expected dial to closed port to fail")
	}
}
