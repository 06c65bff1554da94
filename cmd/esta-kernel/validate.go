package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/admission"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/manifest"
)

func newValidateCmd(g *globals) *cobra.Command {
	var (
		admit      bool
		policyFile string
	)
	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Check manifests against the schema and, optionally, admission policies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ev *admission.Evaluator
			if admit || policyFile != "" {
				policies := admission.DefaultPolicies()
				if policyFile != "" {
					p, err := admission.LoadPolicies(policyFile)
					if err != nil {
						return err
					}
					policies = p
				}
				var err error
				if ev, err = admission.New(policies...); err != nil {
					return err
				}
			}

			bad := 0
			for _, path := range args {
				m, err := manifest.Load(path)
				if err == nil && ev != nil {
					err = ev.Admit(m)
				}
				if err != nil {
					bad++
					_, _ = fmt.Fprintf(g.stdout, "FAIL %s: %v\n", path, err)
					continue
				}
				_, _ = fmt.Fprintf(g.stdout, "ok   %s: %s@%s\n", path, m.ModuleID, m.Version)
			}
			if bad > 0 {
				return failed("%d of %d manifests invalid", bad, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&admit, "admission", false, "Also evaluate the default admission policies")
	cmd.Flags().StringVar(&policyFile, "policies", "", "Admission policy file (implies --admission)")
	return cmd
}
