package main

import "testing"

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    string
	}{
		"default_port_only":    {address: ":7777", want: "http://localhost:7777"},
		"explicit_localhost":   {address: "localhost:8000", want: "http://localhost:8000"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", want: "http://localhost:9000"},
		"explicit_ipv4_local":  {address: "127.0.0.1:7777", want: "http://127.0.0.1:7777"},
		"explicit_ipv6_any":    {address: "[::]:7777", want: "http://localhost:7777"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:7777", want: "http://[2001:db8::1]:7777"},
		"host_without_port":    {address: "paddock.lan", want: "http://paddock.lan"},
		"tls_enabled":          {address: ":7777", tls: true, want: "https://localhost:7777"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := listenerURL(tc.address, tc.tls)
			if got != tc.want {
				t.Fatalf("listenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.want)
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	if got := websocketURL(":7777", false); got != "ws://localhost:7777/ws" {
		t.Fatalf("unexpected websocket url %q", got)
	}
	if got := websocketURL("0.0.0.0:443", true); got != "wss://localhost:443/ws" {
		t.Fatalf("unexpected secure websocket url %q", got)
	}
}

func TestNormaliseHostPortNoPort(t *testing.T) {
	t.Parallel()

	got := normaliseHostPort("   ")
	if got != "localhost" {
		t.Fatalf("expected localhost for blank address, got %q", got)
	}
}
