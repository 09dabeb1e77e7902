// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AddressMode selects which of the two OPEN payload encodings a tunnel uses.
// spec.md §6: "a receiver advertises at connect time (by config, not on the
// wire) which form it expects. Mixing within one tunnel is not permitted."
type AddressMode int

const (
	// AddressASCII encodes targets as "host:port" text.
	AddressASCII AddressMode = iota
	// AddressTyped encodes targets as one atyp octet followed by a
	// type-specific body (SOCKS5-style).
	AddressTyped
)

// Typed address types.
const (
	ATypIPv4   byte = 1
	ATypDomain byte = 3
)

// EncodeAddressASCII renders "host:port" as the OPEN payload.
func EncodeAddressASCII(host string, port int) []byte {
	return []byte(fmt.Sprintf("%s:%d", host, port))
}

// ParseAddressASCII recovers (host, port) from an ASCII OPEN payload.
//
// It splits on the last colon, matching original_source's
// `text.rsplit(":", 1)` exactly (see SPEC_FULL.md §4, Design Note iii): this
// is correct for dotted-quad IPv4 and DNS names but not for bracketless IPv6
// literals. Targets needing IPv6 must use AddressTyped instead.
func ParseAddressASCII(payload []byte) (host string, port int, err error) {
	text := strings.TrimSpace(string(payload))
	idx := strings.LastIndex(text, ":")
	if idx < 0 {
		return "", 0, errors.Errorf("wire: malformed address %q", text)
	}
	host = text[:idx]
	portStr := text[idx+1:]
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "wire: malformed port in address %q", text)
	}
	return host, port, nil
}

// EncodeAddressTyped renders the typed (atyp-prefixed) OPEN payload for an
// IPv4 or domain-name target.
func EncodeAddressTyped(atyp byte, host string, port int) ([]byte, error) {
	switch atyp {
	case ATypIPv4:
		ip, err := parseIPv4(host)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 1+4+2)
		buf[0] = ATypIPv4
		copy(buf[1:5], ip)
		binary.BigEndian.PutUint16(buf[5:7], uint16(port))
		return buf, nil
	case ATypDomain:
		if len(host) > 255 {
			return nil, errors.Errorf("wire: domain name %q too long", host)
		}
		buf := make([]byte, 1+1+len(host)+2)
		buf[0] = ATypDomain
		buf[1] = byte(len(host))
		copy(buf[2:2+len(host)], host)
		binary.BigEndian.PutUint16(buf[2+len(host):], uint16(port))
		return buf, nil
	default:
		return nil, errors.Errorf("wire: unsupported address type %d", atyp)
	}
}

// ParseAddressTyped recovers (host, port) from a typed OPEN payload.
func ParseAddressTyped(payload []byte) (host string, port int, err error) {
	if len(payload) < 1 {
		return "", 0, errors.New("wire: empty typed address")
	}
	switch payload[0] {
	case ATypIPv4:
		if len(payload) < 1+4+2 {
			return "", 0, errors.New("wire: truncated IPv4 address")
		}
		ip := payload[1:5]
		host = fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
		port = int(binary.BigEndian.Uint16(payload[5:7]))
		return host, port, nil
	case ATypDomain:
		if len(payload) < 2 {
			return "", 0, errors.New("wire: truncated domain address")
		}
		n := int(payload[1])
		if len(payload) < 2+n+2 {
			return "", 0, errors.New("wire: truncated domain address")
		}
		host = string(payload[2 : 2+n])
		port = int(binary.BigEndian.Uint16(payload[2+n : 4+n]))
		return host, port, nil
	default:
		return "", 0, errors.Errorf("wire: unsupported address type %d", payload[0])
	}
}

// ParseAddress recovers (host, port) from an OPEN payload in the encoding
// selected by mode, the one the tunnel was configured to use.
func ParseAddress(mode AddressMode, payload []byte) (host string, port int, err error) {
	if mode == AddressTyped {
		return ParseAddressTyped(payload)
	}
	return ParseAddressASCII(payload)
}

func parseIPv4(host string) ([]byte, error) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil, errors.Errorf("wire: %q is not a dotted-quad IPv4 address", host)
	}
	out := make([]byte, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return nil, errors.Errorf("wire: %q is not a dotted-quad IPv4 address", host)
		}
		out[i] = byte(v)
	}
	return out, nil
}
