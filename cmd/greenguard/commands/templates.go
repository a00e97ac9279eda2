package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard/blocks"
)

func newTemplatesCmd(a *app) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "templates [pattern]",
		Short: "List the bundled pipeline templates",
		Long: `Lists the bundled templates whose name contains pattern. With --verbose
every tunable hyperparameter is shown with its type, range and default.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pattern string
			if len(args) == 1 {
				pattern = args[0]
			}

			out := cmd.OutOrStdout()

			names := blocks.Templates(pattern)
			if len(names) == 0 {
				fmt.Fprintf(out, "no template matches %q\n", pattern)

				return nil
			}

			for _, name := range names {
				t, err := blocks.Resolve(name)
				if err != nil {
					return err
				}

				space := t.Space()
				fmt.Fprintf(out, "%s\n  blocks: %s\n  tunables: %d\n",
					t.Name, strings.Join(t.Blocks(), " -> "), len(space))

				if !verbose {
					continue
				}

				for _, hp := range space.Names() {
					fmt.Fprintf(out, "    %s: %s\n", hp, describeSpec(space[hp]))
				}
			}

			a.log.Debug().Int("templates", len(names)).Msg("Listed templates")

			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show tunable hyperparameters")

	return cmd
}

func describeSpec(s blocks.Spec) string {
	switch {
	case len(s.Values) > 0:
		return fmt.Sprintf("%s %v default=%v", s.Type, s.Values, s.DefaultValue())
	case len(s.Range) == 2:
		return fmt.Sprintf("%s [%v, %v] default=%v", s.Type, s.Range[0], s.Range[1], s.DefaultValue())
	default:
		return fmt.Sprintf("%s default=%v", s.Type, s.DefaultValue())
	}
}
