package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/config"
	errwrap "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/observability"
	"github.com/atelierhq/atelier/internal/output"
)

type selfCheck struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type selfCheckReport struct {
	Healthy bool        `json:"healthy" yaml:"healthy"`
	Checks  []selfCheck `json:"checks" yaml:"checks"`
}

func (r *selfCheckReport) add(name string, err error, detail string) {
	check := selfCheck{Name: name, Status: "ok", Detail: detail}
	if err != nil {
		check.Status = "fail"
		check.Detail = err.Error()
		r.Healthy = false
	}
	r.Checks = append(r.Checks, check)
}

func (r selfCheckReport) Table() output.Table {
	t := output.Table{Title: "Self Check", Header: []string{"Check", "Status", "Detail"}}
	for _, c := range r.Checks {
		t.Rows = append(t.Rows, []any{c.Name, c.Status, c.Detail})
	}
	return t
}

// runSelfCheck loads config and pings every backend serve would use.
func runSelfCheck(ctx context.Context) selfCheckReport {
	report := selfCheckReport{Healthy: true}

	cfg, err := loadConfig(ctx)
	report.add("config", err, "")
	if err != nil {
		return report
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		report.add("store", err, "")
		return report
	}
	defer func() { _ = b.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	report.add("store", b.DB.Ping(pingCtx), cfg.Store.Driver)
	if cfg.Counters.Backend == config.CountersBackendRedis {
		report.add("counters", b.Counters.Ping(pingCtx), cfg.Counters.Redis.Addr)
	}

	_, err = newDependencies(cfg, b, observability.CLILogger)
	report.add("wiring", err, cfg.Quota.Mode+" quota mode")
	return report
}

func newHealthCmd() *cobra.Command {
	var out outputFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that configuration loads and backends answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := runSelfCheck(cmd.Context())
			if err := out.write("health", report); err != nil {
				return err
			}
			if !report.Healthy {
				ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Self check failed",
					errwrap.NewServiceUnavailableError("one or more self checks failed"))
			}
			observability.CLILogger.Debug("Self check passed", zap.Int("checks", len(report.Checks)))
			return nil
		},
	}
	out.register(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(newHealthCmd())
}
