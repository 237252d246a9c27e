package geo

import "testing"

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineShortHop(t *testing.T) {
	// Two points a few blocks apart in Mexico City centro.
	d := Haversine(19.4326, -99.1332, 19.4330, -99.1330)
	if d < 40 || d > 60 {
		t.Fatalf("expected ~49m, got %f", d)
	}
}

func TestHaversineKm(t *testing.T) {
	m := Haversine(19.4326, -99.1332, 19.5, -99.2)
	km := HaversineKm(19.4326, -99.1332, 19.5, -99.2)
	if km*1000 != m {
		t.Fatalf("km conversion mismatch: m=%f km=%f", m, km)
	}
}
