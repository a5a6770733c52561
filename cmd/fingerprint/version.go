package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var _versionAsJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of the server",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doVersion(cmd.OutOrStdout(), _versionAsJSON)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&_versionAsJSON, "json", false, "Return version as JSON")

	rootCmd.AddCommand(versionCmd)
}

type versionResult struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"build_date"`
}

func doVersion(w io.Writer, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintf(w, "fingerprint version %s (commit %s, built %s)\n", version, commit, date)
		return err
	}

	b, err := json.MarshalIndent(versionResult{Version: version, Commit: commit, Date: date}, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
