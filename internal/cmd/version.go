package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/appid"
	"github.com/atelierhq/atelier/internal/output"
)

type versionReport struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit,omitempty" yaml:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty" yaml:"build_date,omitempty"`
	GoVersion string `json:"go_version,omitempty" yaml:"go_version,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty" yaml:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty" yaml:"crucible,omitempty"`
}

func (v versionReport) Table() output.Table {
	t := output.Table{Header: []string{"Field", "Value"}}
	add := func(k, val string) {
		if val != "" {
			t.Rows = append(t.Rows, []any{k, val})
		}
	}
	add("name", v.Name)
	add("version", v.Version)
	add("commit", v.Commit)
	add("built", v.BuildDate)
	add("go", v.GoVersion)
	add("gofulmen", v.Gofulmen)
	add("crucible", v.Crucible)
	return t
}

func newVersionReport(extended bool) versionReport {
	report := versionReport{
		Name:    appid.BinaryName(GetAppIdentity()),
		Version: versionInfo.Version,
	}
	if extended {
		libs := crucible.GetVersion()
		report.Commit = versionInfo.Commit
		report.BuildDate = versionInfo.BuildDate
		report.GoVersion = runtime.Version()
		report.Gofulmen = libs.Gofulmen
		report.Crucible = libs.Crucible
	}
	return report
}

func newVersionCmd() *cobra.Command {
	var (
		extended bool
		out      outputFlags
	)
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := newVersionReport(extended)
			if !extended && !cmd.Flags().Changed("output-format") {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", report.Name, report.Version)
				return nil
			}
			return out.write("version", report)
		},
	}
	cmd.Flags().BoolVarP(&extended, "extended", "e", false, "include commit, build date and library versions")
	out.register(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
