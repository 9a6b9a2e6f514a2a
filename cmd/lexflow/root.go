package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "lexflow",
	Short: "Legal document processing pipeline",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}
