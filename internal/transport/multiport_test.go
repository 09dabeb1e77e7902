package transport

import "testing"

func TestParseMultiPortSingle(t *testing.T) {
	mp, err := ParseMultiPort("0.0.0.0:29900")
	if err != nil {
		t.Fatalf("ParseMultiPort: %v", err)
	}
	if mp.Host != "0.0.0.0" || mp.MinPort != 29900 || mp.MaxPort != 29900 {
		t.Fatalf("unexpected result: %+v", mp)
	}
}

func TestParseMultiPortRange(t *testing.T) {
	mp, err := ParseMultiPort("0.0.0.0:20000-21000")
	if err != nil {
		t.Fatalf("ParseMultiPort: %v", err)
	}
	if mp.MinPort != 20000 || mp.MaxPort != 21000 {
		t.Fatalf("unexpected range: %+v", mp)
	}
}

func TestParseMultiPortInvalid(t *testing.T) {
	cases := []string{
		"bad-address",
		"0.0.0.0:21000-20000",
		"0.0.0.0:0",
	}
	for _, c := range cases {
		if _, err := ParseMultiPort(c); err == nil {
			t.Errorf("ParseMultiPort(%q) expected error", c)
		}
	}
}
