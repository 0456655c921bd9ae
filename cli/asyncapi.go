package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senafrakara/pubsub-functions/functions"
)

var (
	asyncAPIOutput string
	asyncAPIFormat string
)

var asyncAPICmd = &cobra.Command{
	Use:   "asyncapi",
	Short: "Generate the AsyncAPI document of the configured topics",
	Long: `Asyncapi describes the default and orders topics, the messages the
publish functions send and the subscriber functions bound to each topic.
The configured broker is listed as the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}

		generator, err := functions.AsyncAPI(cfg.Service.Name, cfg.Service.Version, cfg.Functions, &cfg.Broker)
		if err != nil {
			return err
		}

		if asyncAPIOutput != "" {
			if err := generator.SaveToFile(asyncAPIOutput); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "AsyncAPI document written to %s\n", asyncAPIOutput)
			return nil
		}

		var data []byte
		switch asyncAPIFormat {
		case "yaml":
			data, err = generator.ToYAML()
		case "json":
			data, err = generator.ToJSON()
		default:
			return fmt.Errorf("unsupported output format: %s", asyncAPIFormat)
		}
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	asyncAPICmd.Flags().StringVarP(&asyncAPIOutput, "file", "f", "", "write the document to a file; .yaml and .yml select YAML")
	asyncAPICmd.Flags().StringVarP(&asyncAPIFormat, "output", "o", "yaml", "output format when printing: yaml or json")

	rootCmd.AddCommand(asyncAPICmd)
}
