// Package accrual is the built-in earned sick time accrual module: one hour
// accrued for every thirty hours worked, capped per year by employer size.
package accrual

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

// ModuleID and EntryPoint identify the built-in in manifests.
const (
	ModuleID   = "accrual-engine"
	EntryPoint = "accrual"
)

// Annual caps in hours.
const (
	LargeEmployerCap = 72
	SmallEmployerCap = 40
)

const (
	minutesPerHour = 60
	hoursPerCredit = 30
)

type EmployerSize string

const (
	Large EmployerSize = "large"
	Small EmployerSize = "small"
)

func (s EmployerSize) cap() (int64, error) {
	switch s {
	case Large, "":
		return LargeEmployerCap, nil
	case Small:
		return SmallEmployerCap, nil
	}
	return 0, fmt.Errorf("accrual: unknown employer size %q", s)
}

// Request is the accrual.calculate payload. Hours may be fractional.
type Request struct {
	HoursWorked     float64      `json:"hoursWorked"`
	EmployerSize    EmployerSize `json:"employerSize"`
	ExistingBalance float64      `json:"existingBalance"`
}

// Result reports hours credited and the balance after applying the cap.
type Result struct {
	Accrued    float64 `json:"accrued"`
	NewBalance float64 `json:"newBalance"`
	Capped     bool    `json:"capped"`
}

// Calculate credits one minute for every thirty minutes worked. The
// arithmetic runs on whole minutes so equal inputs give equal bytes.
func Calculate(req Request) (Result, error) {
	if req.HoursWorked < 0 || req.ExistingBalance < 0 {
		return Result{}, fmt.Errorf("accrual: hours must not be negative")
	}
	limit, err := req.EmployerSize.cap()
	if err != nil {
		return Result{}, err
	}
	worked := toMinutes(req.HoursWorked)
	balance := toMinutes(req.ExistingBalance)
	capMinutes := limit * minutesPerHour

	earned := worked / hoursPerCredit
	next := balance + earned
	capped := next > capMinutes
	if capped {
		next = max(capMinutes, balance)
	}
	return Result{
		Accrued:    toHours(next - balance),
		NewBalance: toHours(next),
		Capped:     capped,
	}, nil
}

func toMinutes(h float64) int64 { return int64(math.Round(h * minutesPerHour)) }

// toHours rounds to two decimals.
func toHours(m int64) float64 {
	return math.Round(float64(m)/minutesPerHour*100) / 100
}

// Handler serves accrual.calculate.
type Handler struct{}

var _ loader.Handler = Handler{}

func (Handler) Handle(env envelope.Envelope) (json.RawMessage, error) {
	var req Request
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	res, err := Calculate(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// Manifest is the default manifest for the built-in: it subscribes to
// accrual.* and may write balances.
func Manifest() manifest.Manifest {
	return manifest.Manifest{
		ModuleID:    ModuleID,
		Name:        "Accrual engine",
		Version:     "1.0.0",
		EntryPoint:  EntryPoint,
		ModuleType:  manifest.TypeBuiltin,
		Priority:    proc.Normal,
		Description: "Earned sick time accrual, 1 hour per 30 worked",
		RequiredCapabilities: []manifest.RequiredCapability{
			{ResourceType: "persistence", ResourcePattern: "balances", Rights: []string{"persistence_read", "persistence_write"}},
		},
		AllowedChannels: []manifest.ChannelDecl{{Pattern: "accrual.*", Subscribe: true}},
	}
}
