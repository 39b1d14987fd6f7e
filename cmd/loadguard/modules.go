package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mbeema/loadguard/pkg/loader"
	"github.com/mbeema/loadguard/pkg/module"
	"github.com/mbeema/loadguard/pkg/route"
	"github.com/spf13/cobra"
)

var (
	modulesPID         int32
	modulesInteresting bool
)

func init() {
	modulesCmd.Flags().Int32Var(&modulesPID, "pid", 0, "process to inspect (default: this process)")
	modulesCmd.Flags().BoolVar(&modulesInteresting, "interesting", false, "only list modules matching a subsystem route")
	rootCmd.AddCommand(modulesCmd)
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the modules mapped into a process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enum := loader.NewEnumerator(modulesPID)
		mods, err := enum.Modules()
		if err != nil {
			return err
		}
		name, err := loader.ProcessName(enum.PID())
		if err != nil {
			name = "?"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "process %d (%s)\n", enum.PID(), name)
		return printModules(cmd.OutOrStdout(), mods, modulesInteresting)
	},
}

// printModules writes mods as a table sorted by name. With interesting set,
// only modules matching a default route pattern are listed, with the
// subsystems they would trigger.
func printModules(w io.Writer, mods []module.Observed, interesting bool) error {
	sort.Slice(mods, func(i, j int) bool {
		return module.CanonicalName(mods[i].Metadata.Path) < module.CanonicalName(mods[j].Metadata.Path)
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHANDLE\tSIZE\tSUBSYSTEMS\tPATH")
	for _, m := range mods {
		name := m.Metadata.Name
		if name == "" {
			name = module.BaseName(m.Metadata.Path)
		}
		subs := subsystemsFor(module.CanonicalName(name))
		if interesting && len(subs) == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", name, m.Handle, m.Metadata.Size, strings.Join(subs, ","), m.Metadata.Path)
	}
	return tw.Flush()
}

func subsystemsFor(canonical string) []string {
	var out []string
	for _, p := range route.DefaultPatterns {
		if strings.Contains(canonical, p.Pattern) {
			out = append(out, p.Subsystem)
		}
	}
	return out
}
