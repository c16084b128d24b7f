package node

import "testing"

func TestIDPackUnpack(t *testing.T) {
	id := NewID(3, 7)
	if got, want := id.DeviceIdx(), uint32(3); got != want {
		t.Errorf("DeviceIdx() = %d, want %d", got, want)
	}
	if got, want := id.NodeIdx(), uint32(7); got != want {
		t.Errorf("NodeIdx() = %d, want %d", got, want)
	}
	if NoNode.DeviceIdx() != 0 || NoNode.NodeIdx() != 0 {
		t.Errorf("NoNode is not the zero ID")
	}
}

func TestEffectiveVolumeZero(t *testing.T) {
	n := &Node{Volume: 0}
	if !n.EffectiveVolumeZero() {
		t.Errorf("volume 0 should be effectively zero")
	}
	n.Volume = 1
	if n.EffectiveVolumeZero() {
		t.Errorf("volume 1 should not be effectively zero")
	}
}

func TestScalerLinear(t *testing.T) {
	n := &Node{Volume: 50}
	if got, want := n.Scaler(), 0.5; got != want {
		t.Errorf("Scaler() = %v, want %v", got, want)
	}
}

func TestScalerClamped(t *testing.T) {
	cases := []struct {
		volume int
		want   float64
	}{
		{-10, 0.0},
		{150, 1.0},
	}
	for _, c := range cases {
		n := &Node{Volume: c.volume}
		if got := n.Scaler(); got != c.want {
			t.Errorf("Scaler() with volume %d = %v, want %v", c.volume, got, c.want)
		}
	}
}

func TestScalerSoftvolTable(t *testing.T) {
	table := make([]float64, 101)
	for i := range table {
		table[i] = float64(i) / 200.0 // deliberately non-linear vs. v/100.
	}
	n := &Node{Volume: 80, SoftvolScalers: table}
	if got, want := n.Scaler(), table[80]; got != want {
		t.Errorf("Scaler() = %v, want %v from softvol table", got, want)
	}
}
