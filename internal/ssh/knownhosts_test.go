package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) xssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := xssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestKnownHostsAppend(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newHostKey(t)
	if err := AppendKnownHost(kh, "example.com", string(xssh.MarshalAuthorizedKey(key))); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(b), "example.com ssh-ed25519 ") {
		t.Fatalf("unexpected known_hosts line %q", b)
	}

	cb, err := LoadKnownHostsCallback(kh, false)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	if err := cb("example.com:22", addr, key); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
	if err := cb("example.com:22", addr, newHostKey(t)); err == nil {
		t.Fatalf("changed key accepted")
	}
}

func TestKnownHostsStrictRejectsUnknown(t *testing.T) {
	cb, err := LoadKnownHostsCallback(filepath.Join(t.TempDir(), "known_hosts"), false)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 22}
	if err := cb("storage.local:22", addr, newHostKey(t)); err == nil {
		t.Fatalf("unknown host accepted by strict callback")
	}
}

func TestKnownHostsAcceptNew(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := LoadKnownHostsCallback(kh, true)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 2222}
	key := newHostKey(t)
	if err := cb("storage.local:2222", addr, key); err != nil {
		t.Fatalf("first contact rejected: %v", err)
	}
	if err := cb("storage.local:2222", addr, key); err != nil {
		t.Fatalf("second contact rejected: %v", err)
	}
	if err := cb("storage.local:2222", addr, newHostKey(t)); err == nil {
		t.Fatalf("changed key accepted after first contact")
	}

	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("known_hosts has %d lines, want 1", n)
	}
	if !strings.HasPrefix(string(b), "[storage.local]:2222 ") {
		t.Fatalf("unexpected known_hosts line %q", b)
	}

	strict, err := LoadKnownHostsCallback(kh, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := strict("storage.local:2222", addr, key); err != nil {
		t.Fatalf("recorded host rejected on reload: %v", err)
	}
}
