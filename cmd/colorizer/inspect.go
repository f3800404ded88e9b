package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"photo-colorizer/internal/model"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Load the model and print its status and layer graph",
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type layerSummary struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Bottoms []string `json:"bottoms,omitempty"`
	Tops    []string `json:"tops,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// the status below carries any load error
	_ = app.manager.Load(cmd.Context())

	report := struct {
		Status model.Status   `json:"status"`
		Layers []layerSummary `json:"layers,omitempty"`
		Error  string         `json:"descriptor_error,omitempty"`
	}{Status: app.manager.Status()}

	if data, err := os.ReadFile(cfg.Artifacts().Descriptor); err != nil {
		report.Error = err.Error()
	} else if desc, err := model.ParseDescriptor(data); err != nil {
		report.Error = err.Error()
	} else {
		for _, l := range desc.Layers {
			report.Layers = append(report.Layers, layerSummary{Name: l.Name, Type: l.Type, Bottoms: l.Bottoms, Tops: l.Tops})
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
