package device

import "testing"

func TestInhibitBitmap_EnableChannels(t *testing.T) {
	b := InhibitBitmap{Low: 0xFF, High: 0xFF}
	b.EnableChannels(0x0F, 0x00)

	if b.Low != 0xF0 {
		t.Errorf("Low = %#02x, want 0xf0", b.Low)
	}
	if b.High != 0xFF {
		t.Errorf("High = %#02x, want 0xff", b.High)
	}
}

func TestInhibitBitmap_DisableChannels(t *testing.T) {
	b := InhibitBitmap{Low: 0x00, High: 0x00}
	b.DisableChannels(0x03, 0x80)

	if b.Low != 0x03 {
		t.Errorf("Low = %#02x, want 0x03", b.Low)
	}
	if b.High != 0x80 {
		t.Errorf("High = %#02x, want 0x80", b.High)
	}
}

func TestInhibitBitmap_InhibitChannelsResetsBaseline(t *testing.T) {
	b := InhibitBitmap{Low: 0x00, High: 0x00} // everything enabled beforehand
	b.InhibitChannels(0x01, 0x00)

	if b.Low != 0x01 {
		t.Errorf("Low = %#02x, want 0x01", b.Low)
	}
	if b.High != 0x00 {
		t.Errorf("High = %#02x, want 0x00", b.High)
	}
}

func TestInhibitBitmap_WireMasksInvertInhibitBits(t *testing.T) {
	b := InhibitBitmap{Low: 0xF0, High: 0x0F}
	low, high := b.wireMasks()

	if low != 0x0F {
		t.Errorf("wire low = %#02x, want 0x0f", low)
	}
	if high != 0xF0 {
		t.Errorf("wire high = %#02x, want 0xf0", high)
	}
}

func TestParseChannelString(t *testing.T) {
	cases := []struct {
		in   string
		want byte
	}{
		{"135", 0b00010101}, // bits 0, 2, 4
		{"", 0},
		{"12345678", 0xFF},
		{"9A", 0}, // out of range, ignored
		{"1199A", 0x01},
	}
	for _, c := range cases {
		if got := ParseChannelString(c.in); got != c.want {
			t.Errorf("ParseChannelString(%q) = %#02x, want %#02x", c.in, got, c.want)
		}
	}
}
