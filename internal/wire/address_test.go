package wire

import "testing"

func TestASCIIAddressRoundTrip(t *testing.T) {
	payload := EncodeAddressASCII("127.0.0.1", 7777)
	host, port, err := ParseAddressASCII(payload)
	if err != nil {
		t.Fatalf("ParseAddressASCII: %v", err)
	}
	if host != "127.0.0.1" || port != 7777 {
		t.Fatalf("got %s:%d", host, port)
	}
}

func TestASCIIAddressTrimsWhitespace(t *testing.T) {
	host, port, err := ParseAddressASCII([]byte(" example.com:443 \n"))
	if err != nil {
		t.Fatalf("ParseAddressASCII: %v", err)
	}
	if host != "example.com" || port != 443 {
		t.Fatalf("got %s:%d", host, port)
	}
}

func TestASCIIAddressDNSName(t *testing.T) {
	host, port, err := ParseAddressASCII([]byte("my.internal.host:8080"))
	if err != nil {
		t.Fatalf("ParseAddressASCII: %v", err)
	}
	if host != "my.internal.host" || port != 8080 {
		t.Fatalf("got %s:%d", host, port)
	}
}

func TestASCIIAddressMalformed(t *testing.T) {
	if _, _, err := ParseAddressASCII([]byte("no-port-here")); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := ParseAddressASCII([]byte("host:notanumber")); err == nil {
		t.Fatal("expected error")
	}
}

func TestTypedAddressIPv4RoundTrip(t *testing.T) {
	payload, err := EncodeAddressTyped(ATypIPv4, "10.0.0.1", 22)
	if err != nil {
		t.Fatalf("EncodeAddressTyped: %v", err)
	}
	host, port, err := ParseAddressTyped(payload)
	if err != nil {
		t.Fatalf("ParseAddressTyped: %v", err)
	}
	if host != "10.0.0.1" || port != 22 {
		t.Fatalf("got %s:%d", host, port)
	}
}

func TestTypedAddressDomainRoundTrip(t *testing.T) {
	payload, err := EncodeAddressTyped(ATypDomain, "example.com", 443)
	if err != nil {
		t.Fatalf("EncodeAddressTyped: %v", err)
	}
	host, port, err := ParseAddressTyped(payload)
	if err != nil {
		t.Fatalf("ParseAddressTyped: %v", err)
	}
	if host != "example.com" || port != 443 {
		t.Fatalf("got %s:%d", host, port)
	}
}

func TestTypedAddressTruncated(t *testing.T) {
	if _, _, err := ParseAddressTyped([]byte{ATypIPv4, 1, 2}); err == nil {
		t.Fatal("expected error for truncated IPv4 body")
	}
	if _, _, err := ParseAddressTyped([]byte{ATypDomain, 5, 'a', 'b'}); err == nil {
		t.Fatal("expected error for truncated domain body")
	}
}

func TestEncodeAddressTypedRejectsBadIPv4(t *testing.T) {
	if _, err := EncodeAddressTyped(ATypIPv4, "not-an-ip", 80); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseAddressDispatch(t *testing.T) {
	asciiPayload := EncodeAddressASCII("host", 1)
	if _, _, err := ParseAddress(AddressASCII, asciiPayload); err != nil {
		t.Fatalf("ParseAddress(ASCII): %v", err)
	}
	typedPayload, _ := EncodeAddressTyped(ATypDomain, "host", 1)
	if _, _, err := ParseAddress(AddressTyped, typedPayload); err != nil {
		t.Fatalf("ParseAddress(Typed): %v", err)
	}
}
