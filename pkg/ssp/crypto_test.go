package ssp

import "testing"

func TestKeyExchange_DeriveSessionKeyAgreesBothSides(t *testing.T) {
	host, err := NewKeyExchange()
	if err != nil {
		t.Fatal(err)
	}
	device, err := NewKeyExchange()
	if err != nil {
		t.Fatal(err)
	}

	const presharedKey = 0xDEADBEEFCAFE
	hostShared := host.DeriveSessionKey(device.HostPublic(), presharedKey)
	deviceShared := device.DeriveSessionKey(host.HostPublic(), presharedKey)

	if hostShared != deviceShared {
		t.Errorf("host and device derived different session keys: %x vs %x", hostShared, deviceShared)
	}
}

func TestSealOpenEnvelope_RoundTrip(t *testing.T) {
	const key = 0x1122334455667788
	const counter = 7
	payload := []byte("hello ssp")

	sealed, err := sealEnvelope(key, counter, payload)
	if err != nil {
		t.Fatal(err)
	}

	opened, err := openEnvelope(key, counter, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != string(payload) {
		t.Errorf("opened payload = %q, want %q", opened, payload)
	}
}

func TestOpenEnvelope_DetectsCorruption(t *testing.T) {
	const key = 42
	const counter = 1
	sealed, err := sealEnvelope(key, counter, []byte("payout"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[0] ^= 0xFF

	if _, err := openEnvelope(key, counter, sealed); err == nil {
		t.Error("expected error decoding corrupted envelope")
	}
}
