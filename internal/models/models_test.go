package models

import (
	"errors"
	"testing"
)

func validInput() CreateRideInput {
	return CreateRideInput{
		UserID:          "u1",
		Pickup:          Coord{Lat: 19.0760, Lon: 72.8777},
		Drop:            Coord{Lat: 19.0896, Lon: 72.8656},
		LuggageCount:    1,
		SeatCount:       2,
		DetourTolerance: 20,
	}
}

func TestValidateAcceptsBounds(t *testing.T) {
	in := validInput()
	in.LuggageCount = MaxLuggageCount
	in.SeatCount = MaxSeatCount
	in.DetourTolerance = MaxDetourTolerance
	if err := in.Validate(); err != nil {
		t.Fatalf("expected valid input, got %v", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*CreateRideInput){
		"no user":     func(in *CreateRideInput) { in.UserID = "" },
		"seats zero":  func(in *CreateRideInput) { in.SeatCount = 0 },
		"seats five":  func(in *CreateRideInput) { in.SeatCount = 5 },
		"luggage":     func(in *CreateRideInput) { in.LuggageCount = 11 },
		"neg luggage": func(in *CreateRideInput) { in.LuggageCount = -1 },
		"detour":      func(in *CreateRideInput) { in.DetourTolerance = 61 },
		"pickup lat":  func(in *CreateRideInput) { in.Pickup.Lat = 91 },
		"drop lon":    func(in *CreateRideInput) { in.Drop.Lon = -181 },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		if err := in.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestClonesAreIndependent(t *testing.T) {
	fare := int64(120)
	r := &RideRequest{ID: "r1", Fare: &fare}
	c := r.Clone()
	*c.Fare = 1
	if *r.Fare != 120 {
		t.Fatalf("ride clone shares fare pointer")
	}

	p := &RidePool{ID: "p1", Passengers: []string{"a"}}
	pc := p.Clone()
	pc.Passengers[0] = "b"
	if p.Passengers[0] != "a" {
		t.Fatalf("pool clone shares passenger slice")
	}
	if !p.HasPassenger("a") || p.HasPassenger("b") {
		t.Fatalf("HasPassenger mismatch")
	}
}
