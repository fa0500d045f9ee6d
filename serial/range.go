package serial

import (
	"fmt"
	"math/big"

	"github.com/18F/cf-ca-lifecycle/config"
)

type Policy string

const (
	Sequential Policy = "sequential"
	Random     Policy = "random"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case Sequential, Random:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown serial policy %q", s)
	}
}

var (
	one       = big.NewInt(1)
	untracked = big.NewInt(-1)
)

// Range is the state of one allocator. Counter is -1 while it is not tracked.
type Range struct {
	Policy       Policy
	Min          *big.Int
	Max          *big.Int
	NextMin      *big.Int
	NextMax      *big.Int
	LowWaterMark *big.Int
	Increment    *big.Int
	Counter      *big.Int
}

// Size is the number of serials in [Min, Max].
func (r Range) Size() *big.Int {
	size := new(big.Int).Sub(r.Max, r.Min)
	return size.Add(size, one)
}

// Remaining is the number of serials not yet consumed.
func (r Range) Remaining() *big.Int {
	if r.Counter.Sign() < 0 {
		return r.Size()
	}
	remaining := new(big.Int).Sub(r.Size(), r.Counter)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

func (r Range) Contains(serial *big.Int) bool {
	return serial.Cmp(r.Min) >= 0 && serial.Cmp(r.Max) <= 0
}

func (r Range) copy() Range {
	return Range{
		Policy:       r.Policy,
		Min:          cloneInt(r.Min),
		Max:          cloneInt(r.Max),
		NextMin:      cloneInt(r.NextMin),
		NextMax:      cloneInt(r.NextMax),
		LowWaterMark: cloneInt(r.LowWaterMark),
		Increment:    cloneInt(r.Increment),
		Counter:      cloneInt(r.Counter),
	}
}

func (r Range) validate() error {
	switch {
	case r.Min == nil || r.Max == nil:
		return fmt.Errorf("serial range bounds are required")
	case r.Min.Sign() < 0:
		return fmt.Errorf("serial range minimum %s is negative", r.Min)
	case r.Min.Cmp(r.Max) > 0:
		return fmt.Errorf("serial range minimum %s exceeds maximum %s", r.Min, r.Max)
	case r.LowWaterMark == nil || r.LowWaterMark.Sign() < 0:
		return fmt.Errorf("serial low water mark must not be negative")
	case r.Increment == nil || r.Increment.Sign() <= 0:
		return fmt.Errorf("serial increment must be positive")
	case (r.NextMin == nil) != (r.NextMax == nil):
		return fmt.Errorf("serial successor range needs both bounds")
	case r.NextMin != nil && r.NextMin.Cmp(r.NextMax) > 0:
		return fmt.Errorf("serial successor minimum %s exceeds maximum %s", r.NextMin, r.NextMax)
	}
	return nil
}

// gaugeValue converts n for prometheus; Int64 is undefined past 63 bits.
func gaugeValue(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}

func cloneInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

// Options configure an allocator. Begin, End, LowWaterMark and Increment seed
// the config store on first start; afterwards the stored values win.
type Options struct {
	ConfigPrefix string
	Policy       Policy
	ForcePolicy  bool

	Begin        *big.Int
	End          *big.Int
	LowWaterMark *big.Int
	Increment    *big.Int

	MinRandomBitLength                int
	MaxCollisionRecoverySteps         int
	MaxCollisionRecoveryRegenerations int
}

func OptionsFromSettings(settings config.Settings) (Options, error) {
	policy, err := ParsePolicy(settings.SerialPolicy)
	if err != nil {
		return Options{}, err
	}

	values := map[string]string{
		"serial_begin":          settings.SerialBegin,
		"serial_end":            settings.SerialEnd,
		"serial_low_water_mark": settings.SerialLowWaterMark,
		"serial_increment":      settings.SerialIncrement,
	}
	parsed := map[string]*big.Int{}
	for name, value := range values {
		n, ok := new(big.Int).SetString(value, 0)
		if !ok {
			return Options{}, fmt.Errorf("%s: %q is not a number", name, value)
		}
		parsed[name] = n
	}

	return Options{
		ConfigPrefix:                      settings.SerialConfigPrefix,
		Policy:                            policy,
		ForcePolicy:                       settings.SerialForcePolicy,
		Begin:                             parsed["serial_begin"],
		End:                               parsed["serial_end"],
		LowWaterMark:                      parsed["serial_low_water_mark"],
		Increment:                         parsed["serial_increment"],
		MinRandomBitLength:                settings.MinRandomBitLength,
		MaxCollisionRecoverySteps:         settings.MaxCollisionRecoverySteps,
		MaxCollisionRecoveryRegenerations: settings.MaxCollisionRecoveryRegenerations,
	}, nil
}
