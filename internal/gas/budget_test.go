package gas_test

import (
	"SwapGate/internal/gas"
	"errors"
	"testing"
)

func TestAssertSufficient(t *testing.T) {
	cases := []struct {
		name    string
		prepaid gas.Gas
		used    gas.Gas
		wantErr bool
	}{
		{"exact", 70 * gas.Tgas, 5 * gas.Tgas, false},
		{"one short", 70*gas.Tgas - 1, 5 * gas.Tgas, true},
		{"plenty", 300 * gas.Tgas, 5 * gas.Tgas, false},
		{"used exceeds prepaid", 1 * gas.Tgas, 2 * gas.Tgas, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := gas.AssertSufficient(tc.prepaid, tc.used, 10*gas.Tgas, 5*gas.Tgas, 50*gas.Tgas)
			if tc.wantErr != (err != nil) {
				t.Fatalf("got err=%v, wantErr=%v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, gas.ErrInsufficientGas) {
				t.Errorf("got %v, want ErrInsufficientGas", err)
			}
		})
	}
}

func TestAssertSufficient_OverflowingCosts(t *testing.T) {
	max := ^gas.Gas(0)
	if err := gas.AssertSufficient(max, 0, max, 1, 0); !errors.Is(err, gas.ErrInsufficientGas) {
		t.Errorf("got %v, want ErrInsufficientGas", err)
	}
}

func TestMeter_Charge(t *testing.T) {
	m := gas.NewMeter(10 * gas.Tgas)
	if err := m.Charge(4 * gas.Tgas); err != nil {
		t.Fatal(err)
	}
	if err := m.Charge(7 * gas.Tgas); !errors.Is(err, gas.ErrGasExhausted) {
		t.Fatalf("got %v, want ErrGasExhausted", err)
	}
	if m.Used() != 4*gas.Tgas || m.Remaining() != 6*gas.Tgas {
		t.Errorf("used=%d remaining=%d", m.Used(), m.Remaining())
	}
}

func TestSchedule_Reserve(t *testing.T) {
	s := gas.DefaultSchedule()
	m := gas.NewMeter(100 * gas.Tgas)
	_ = m.Charge(s.BaseCallGas)

	cont, err := s.Reserve(m)
	if err != nil {
		t.Fatal(err)
	}
	want := 100*gas.Tgas - s.BaseCallGas - s.AMLCheckGas - s.PromiseSchedulingGas
	if cont != want {
		t.Errorf("continuation gas: got %d, want %d", cont, want)
	}
	if cont < s.MinExecutionGas {
		t.Errorf("continuation below floor: %d", cont)
	}

	short := gas.NewMeter(s.AMLCheckGas + s.PromiseSchedulingGas + s.MinExecutionGas - 1)
	if _, err := s.Reserve(short); !errors.Is(err, gas.ErrInsufficientGas) {
		t.Errorf("got %v, want ErrInsufficientGas", err)
	}
}
