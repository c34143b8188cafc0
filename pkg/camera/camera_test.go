package camera

import "testing"

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		sep  byte
		want string
	}{
		{"Front Door", '-', "front-door"},
		{"Front  Door", '-', "front-door"},
		{" Garage #2 ", '_', "garage_2"},
		{"Küche Cam", '-', "k-che-cam"},
		{"UPPER", '-', "upper"},
		{"---", '-', ""},
	}
	for _, tt := range tests {
		if got := Slug(tt.name, tt.sep); got != tt.want {
			t.Errorf("Slug(%q, %q) = %q, want %q", tt.name, tt.sep, got, tt.want)
		}
	}
}

func TestURIFallback(t *testing.T) {
	c := &Camera{Model: ModelCam3, MAC: "AABBCCDDEEFF"}
	if got := c.URI('-'); got != "hl-cam3-eeff" {
		t.Errorf("URI = %q", got)
	}
	c.Nickname = "Backyard"
	if got := c.URI('-'); got != "backyard" {
		t.Errorf("URI = %q", got)
	}
}

func TestCapabilityBits(t *testing.T) {
	tests := []struct {
		model                            string
		is2K, pan, vertical, battery, rtsp bool
	}{
		{ModelCam3, false, false, false, false, false},
		{ModelCam4, true, false, false, false, false},
		{ModelFloodlight2, true, false, false, false, false},
		{ModelPan3, false, true, false, false, false},
		{ModelDoorbell, false, false, true, false, false},
		{ModelDoorbellPro, false, false, false, false, true},
		{ModelBatteryV1, false, false, false, true, false},
		{ModelBatteryV2, false, false, false, true, false},
	}
	for _, tt := range tests {
		c := &Camera{Model: tt.model}
		if c.Is2K() != tt.is2K || c.IsPan() != tt.pan || c.IsVertical() != tt.vertical ||
			c.IsBattery() != tt.battery || c.HasNativeRTSP() != tt.rtsp {
			t.Errorf("%s capability bits wrong: 2k=%v pan=%v vert=%v bat=%v rtsp=%v",
				tt.model, c.Is2K(), c.IsPan(), c.IsVertical(), c.IsBattery(), c.HasNativeRTSP())
		}
	}
}

func TestAuthFieldsPreferParent(t *testing.T) {
	c := &Camera{
		MAC: "child-mac", ENR: "child-enr",
		ParentMAC: "parent-mac", ParentENR: "parent-enr", ParentDTLS: true,
	}
	if !c.UsesDTLS() {
		t.Fatal("parent dtls flag ignored")
	}
	if c.AuthENR() != "parent-enr" || c.AuthMAC() != "parent-mac" {
		t.Errorf("auth fields = %s/%s", c.AuthENR(), c.AuthMAC())
	}

	plain := &Camera{MAC: "m", ENR: "e"}
	if plain.AuthENR() != "e" || plain.AuthMAC() != "m" {
		t.Errorf("plain auth fields = %s/%s", plain.AuthENR(), plain.AuthMAC())
	}
}

func TestUsesResolvingDB(t *testing.T) {
	for _, model := range []string{ModelDoorbell, ModelBatteryV1, ModelBatteryV2} {
		if !(&Camera{Model: model}).UsesResolvingDB() {
			t.Errorf("%s should use the doorbell resolving layout", model)
		}
	}
	if (&Camera{Model: ModelCam3}).UsesResolvingDB() {
		t.Error("standard camera using doorbell resolving layout")
	}
}

func TestFirmwareAtLeast(t *testing.T) {
	tests := []struct {
		have, want string
		expect     bool
	}{
		{"4.50.1.1", "4.50", true},
		{"4.49.9.9", "4.50", false},
		{"4.50", "4.50.1", false},
		{"5.0", "4.50", true},
		{"", "4.50", false},
	}
	for _, tt := range tests {
		c := &Camera{FirmwareVersion: tt.have}
		if got := c.FirmwareAtLeast(tt.want); got != tt.expect {
			t.Errorf("FirmwareAtLeast(%q, %q) = %v, want %v", tt.have, tt.want, got, tt.expect)
		}
	}
}
