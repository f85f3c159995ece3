package main

import (
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peercall/internal/camera"
	"github.com/1ureka/peercall/internal/util"
)

var errNoAPIBase = errors.New("no camera API configured (set --api-base)")

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List the endpoint's cameras",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := cameraClient()
		if err != nil {
			return err
		}
		cams, err := client.ListCameras(cmd.Context())
		if err != nil {
			return err
		}
		if len(cams) == 0 {
			util.LogWarning("no cameras available")
			return nil
		}
		items := make([]pterm.BulletListItem, 0, len(cams))
		for _, c := range cams {
			items = append(items, pterm.BulletListItem{Level: 0, Text: c})
		}
		return pterm.DefaultBulletList.WithItems(items).Render()
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus <id>",
	Short: "Select the camera the endpoint streams from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := cameraClient()
		if err != nil {
			return err
		}
		if err := client.FocusCamera(cmd.Context(), args[0]); err != nil {
			return err
		}
		util.LogSuccess("focused camera %s", args[0])
		return nil
	},
}

func init() {
	camerasCmd.AddCommand(focusCmd)
	rootCmd.AddCommand(camerasCmd)
}

func cameraClient() (*camera.Client, error) {
	if conf.APIBase == "" {
		return nil, errNoAPIBase
	}
	return camera.NewClient(conf.APIBase, nil), nil
}
