package accrual

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Result
	}{
		{"under cap", Request{HoursWorked: 80, EmployerSize: Large, ExistingBalance: 10}, Result{Accrued: 2.67, NewBalance: 12.67}},
		{"exact credit", Request{HoursWorked: 90, EmployerSize: Small}, Result{Accrued: 3, NewBalance: 3}},
		{"size defaults to large", Request{HoursWorked: 30, ExistingBalance: 71}, Result{Accrued: 1, NewBalance: 72}},
		{"large cap", Request{HoursWorked: 90, EmployerSize: Large, ExistingBalance: 71.5}, Result{Accrued: 0.5, NewBalance: 72, Capped: true}},
		{"small cap", Request{HoursWorked: 300, EmployerSize: Small, ExistingBalance: 39}, Result{Accrued: 1, NewBalance: 40, Capped: true}},
		{"balance already over cap", Request{HoursWorked: 60, EmployerSize: Small, ExistingBalance: 45}, Result{Accrued: 0, NewBalance: 45, Capped: true}},
		{"nothing worked", Request{EmployerSize: Small, ExistingBalance: 5}, Result{Accrued: 0, NewBalance: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Calculate(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateRejects(t *testing.T) {
	_, err := Calculate(Request{HoursWorked: -1})
	require.Error(t, err)
	_, err = Calculate(Request{HoursWorked: 1, EmployerSize: "medium"})
	require.ErrorContains(t, err, "medium")
}

func TestHandlerThroughKernel(t *testing.T) {
	k, res, _ := kernel.New(kernel.DefaultConfig()).Load(kernel.LoadRequest{Manifest: Manifest(), Handler: Handler{}}, 0)
	require.True(t, res.Success, "%v", res.Error)

	env, err := envelope.New("accrual.calculate", Request{HoursWorked: 80, EmployerSize: Large, ExistingBalance: 10})
	require.NoError(t, err)
	_, d, _ := k.Send(kernel.Message{Envelope: env, Sender: proc.Host, At: 10})
	require.NoError(t, d.Err())

	var got Result
	require.NoError(t, json.Unmarshal(d.Result, &got))
	assert.Equal(t, Result{Accrued: 2.67, NewBalance: 12.67}, got)
	require.Len(t, d.Validations, 1)
	assert.True(t, d.Validations[0].Valid)
}

func TestHandlerBadPayload(t *testing.T) {
	env, err := envelope.New("accrual.calculate", map[string]string{"hoursWorked": "many"})
	require.NoError(t, err)
	_, err = Handler{}.Handle(env)
	require.Error(t, err)
}
